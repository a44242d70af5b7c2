// Turnguard wraps a coding-assistant subprocess, intercepting its
// JSON-RPC traffic with a front-end and running a supervisor LLM loop
// that polices every turn against user intent.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/interceptor"
	"github.com/relaycode/turnguard/llm"
	"github.com/relaycode/turnguard/memory"
	"github.com/relaycode/turnguard/supervisor"
)

const defaultAssistantCmd = "codex"

// cliArgs is the parsed form of the four-flag-plus-prompt surface named in
// SPEC_FULL §6. Parsing is hand-rolled over os.Args, matching the
// teacher's cmd/pilot/main.go idiom rather than reaching for a flag
// framework the surface is too small to need.
type cliArgs struct {
	cwd        string
	memoryFile string
	strict     bool
	verbose    bool
	prompt     string
}

func parseArgs(args []string) (cliArgs, error) {
	out := cliArgs{cwd: "."}
	var promptWords []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-C" || a == "--cwd":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", a)
			}
			i++
			out.cwd = args[i]
		case strings.HasPrefix(a, "--cwd="):
			out.cwd = strings.TrimPrefix(a, "--cwd=")
		case a == "--memory-file":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", a)
			}
			i++
			out.memoryFile = args[i]
		case strings.HasPrefix(a, "--memory-file="):
			out.memoryFile = strings.TrimPrefix(a, "--memory-file=")
		case a == "--strict":
			out.strict = true
		case a == "-v" || a == "--verbose":
			out.verbose = true
		case strings.HasPrefix(a, "-"):
			return out, fmt.Errorf("unrecognized flag: %s", a)
		default:
			promptWords = append(promptWords, a)
		}
	}

	out.prompt = strings.Join(promptWords, " ")
	return out, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	level := zerolog.InfoLevel
	if args.verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	workDir, err := filepath.Abs(args.cwd)
	if err != nil {
		log.Error().Err(err).Msg("resolve working directory")
		return 1
	}

	memoryFile := args.memoryFile
	if memoryFile == "" {
		memoryFile = filepath.Join(workDir, ".turnguard", "memory.md")
	}
	projectDir := filepath.Dir(memoryFile)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		log.Error().Err(err).Msg("create project directory")
		return 1
	}

	mem, err := memory.NewPersistentMemory(memoryFile)
	if err != nil {
		log.Error().Err(err).Msg("open persistent memory")
		return 1
	}
	notebookFile := strings.TrimSuffix(memoryFile, filepath.Ext(memoryFile)) + ".notebook.json"
	nb, err := memory.NewNotebook(notebookFile)
	if err != nil {
		log.Error().Err(err).Msg("open notebook")
		return 1
	}

	client, contextWindow, err := buildLLMClient(projectDir)
	if err != nil {
		log.Error().Err(err).Msg("configure LLM client")
		return 1
	}

	agent := supervisor.NewAgent(mem, nb, client, contextWindow, workDir)

	ic, err := interceptor.New(interceptor.Config{
		AssistantCmd: []string{defaultAssistantCmd, "app-server"},
		WorkDir:      workDir,
		StrictMode:   args.strict,
		MemoryFile:   memoryFile,
		ProjectDir:   projectDir,
	}, mem, nb, agent)
	if err != nil {
		log.Error().Err(err).Msg("initialize interceptor")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	userInput := make(chan string, 32)
	output := make(chan string, 32)

	go pumpStdin(ctx, userInput)
	go pumpStdout(output)

	if args.prompt != "" {
		// The assistant connection is handshake-first (initialize, then
		// thread/start), so the trailing prompt cannot be turned directly
		// into a turn/start here; it is logged for the front end to pick
		// up once a thread exists. This mirrors a known gap in the
		// reference CLI's own initial-prompt handling.
		log.Info().Str("prompt", args.prompt).Msg("initial prompt queued for front end")
		userInput <- buildInitializeFrame()
	}

	runErr := ic.Run(ctx, userInput, output)
	close(output)

	if runErr != nil {
		log.Error().Err(runErr).Msg("interceptor exited with error")
		return 1
	}
	return 0
}

func pumpStdin(ctx context.Context, userInput chan<- string) {
	defer close(userInput)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case userInput <- line:
		case <-ctx.Done():
			return
		}
	}
}

func pumpStdout(output <-chan string) {
	w := bufio.NewWriter(os.Stdout)
	for msg := range output {
		fmt.Fprintln(w, msg)
		w.Flush()
	}
}

// buildInitializeFrame matches the wire shape of the assistant's
// initialize request.
func buildInitializeFrame() string {
	return fmt.Sprintf(`{"method":"initialize","id":%q,"params":{"clientInfo":{"name":"turnguard","title":"Turnguard","version":"dev"}}}`,
		uuid.New().String())
}

func buildLLMClient(projectDir string) (*llm.Client, int, error) {
	cfg, err := llm.LoadConfig(filepath.Join(projectDir, "config.toml"))
	if err != nil {
		return nil, 0, err
	}
	model, baseURL := llm.ResolveEndpoint(cfg)

	authData, err := os.ReadFile(filepath.Join(projectDir, "auth.json"))
	if err != nil {
		return nil, 0, err
	}
	credential, err := llm.ResolveCredential(authData)
	if err != nil {
		return nil, 0, err
	}

	return llm.NewClient(model, baseURL, credential), llm.DefaultContextWindow, nil
}
