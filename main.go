package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var lockFd *os.File

func getLockFile() string {
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.propertycall.lock"
	}
	if tmpDir := os.Getenv("TMPDIR"); tmpDir != "" {
		return tmpDir + "/propertycall.lock"
	}
	return "/tmp/propertycall.lock"
}

// acquireLock uses flock to ensure only one bridge server runs at a time.
func acquireLock() error {
	f, err := os.OpenFile(getLockFile(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cannot open lock file %s: %w", getLockFile(), err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		data, _ := io.ReadAll(f)
		f.Close()
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 {
			return fmt.Errorf("another instance is already running (PID %d, lock file: %s)", pid, getLockFile())
		}
		return fmt.Errorf("another instance is already running (lock file: %s)", getLockFile())
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	lockFd = f // keep open so the flock is held for the process lifetime
	return nil
}

// releaseLock releases the flock and removes the lock file.
func releaseLock() {
	if lockFd != nil {
		syscall.Flock(int(lockFd.Fd()), syscall.LOCK_UN)
		lockFd.Close()
		os.Remove(getLockFile())
	}
}

func main() {
	if len(os.Args) > 1 {
		runCLI()
		return
	}

	runServer()
}

// runCLI handles CLI subcommands
func runCLI() {
	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		printUsage()
		return
	}

	config := LoadConfigForCLI()

	switch cmd {
	case "active":
		handleActiveCLI(config)
		return
	case "calls", "call":
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	db, err := InitDB(config.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if cmd == "calls" {
		handleCallsCLI(db, args)
	} else {
		handleCallCLI(db, args)
	}
}

func printUsage() {
	fmt.Println(`PropertyCall - audio bridge for AI outbound calls

Usage:
  propertycall                         Run the bridge server
  propertycall active                  List calls currently bridged by the running server
  propertycall calls [--limit N]       List recently finished calls
  propertycall call <id>               Show a finished call with transcript and qualification
  propertycall help                    Show this help message`)
}

func handleCallsCLI(db *DB, args []string) {
	limit := 20
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "error: invalid --limit %q\n", args[i+1])
				os.Exit(1)
			}
			limit = n
			i++
		}
	}

	calls, err := db.RecentCalls(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(calls) == 0 {
		fmt.Println("No calls recorded.")
		return
	}
	for _, c := range calls {
		fmt.Println(formatCallLine(c))
	}
}

func formatCallLine(c *CallRecord) string {
	name := leadName(c.Lead)
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("%s  %-9s  %-8s  %6s  %s",
		c.EndedAt.Local().Format("2006-01-02 15:04"), c.Outcome, c.Provider,
		c.Duration().Round(time.Second), c.CallID+" ("+name+")")
}

func handleCallCLI(db *DB, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "error: usage: propertycall call <id>\n")
		os.Exit(1)
	}

	rec, err := db.GetCall(args[0])
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Fprintf(os.Stderr, "error: call %s not found\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(formatCallMessage(rec))
	if len(rec.Transcript) > 0 {
		fmt.Println()
		fmt.Print(formatTranscript(rec.Transcript))
	}
}

func handleActiveCLI(config *Config) {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/calls/active", config.HTTPPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to PropertyCall: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))
}

func runServer() {
	if err := acquireLock(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer releaseLock()

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("Configuration loaded")
	log.Printf("  Database: %s", config.DatabasePath)
	log.Printf("  Provider: %s", config.Provider)
	log.Printf("  Agent: %s (%s audio)", config.AgentURL, config.AgentAudio)

	if err := StartServer(config); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	WaitForShutdown()

	StopServer()
}
