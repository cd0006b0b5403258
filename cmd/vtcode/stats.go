package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vtcode/core/internal/config"
	"github.com/vtcode/core/internal/store"
)

// runStats implements the §6 "stats" subcommand: a one-shot summary of
// persisted session history, read straight from the sqlite-backed cache
// listSessions already knows how to enumerate.
func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	flagSession := fs.String("s", "", "show message counts for one session by ID")
	fs.StringVar(flagSession, "session", "", "show message counts for one session by ID")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error: cache dir unavailable: %v\n", err)
		return 1
	}
	// A long TTL keeps `stats` read-only with respect to the fetch/search
	// cache tables; it only ever reads the sessions/messages tables below.
	db, err := store.Open(filepath.Join(cacheDir, "cache.db"), 365*24*time.Hour)
	if err != nil {
		fmt.Printf("Error: failed to open cache: %v\n", err)
		return 1
	}
	defer db.Close()

	if *flagSession != "" {
		return statsForSession(db, *flagSession)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return 1
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return 0
	}

	fmt.Printf("%-34s  %-17s  %s\n", "ID", "LAST ACTIVITY", "PREVIEW")
	for _, s := range sessions {
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		fmt.Printf("%-34s  %-17s  %s\n", s.ID, s.Timestamp.Format("2006-01-02 15:04"), preview)
	}
	fmt.Printf("\n%d session(s)\n", len(sessions))
	return 0
}

func statsForSession(db *store.Cache, sessionID string) int {
	ok, err := db.SessionExists(sessionID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Printf("Session %q not found\n", sessionID)
		return 2
	}
	msgs, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Printf("Error loading session: %v\n", err)
		return 1
	}
	var userCount, assistantCount, toolCount int
	for _, m := range msgs {
		switch m.Role {
		case "user":
			userCount++
		case "assistant":
			assistantCount++
		case "tool":
			toolCount++
		}
	}
	fmt.Printf("session %s\n", sessionID)
	fmt.Printf("  messages: %d total (%d user, %d assistant, %d tool)\n", len(msgs), userCount, assistantCount, toolCount)
	return 0
}
