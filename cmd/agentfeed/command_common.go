package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"

	"agentfeed/internal/types"
)

const version = "dev"

const maxTitleWidth = 48

func printSessions(output io.Writer, sessions []types.RemoteSession) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUPDATED\tTITLE\tDIRECTORY")
	for _, session := range sessions {
		updated := "-"
		if session.UpdatedAt > 0 {
			updated = time.UnixMilli(session.UpdatedAt).UTC().Format(time.RFC3339)
		}
		title := runewidth.Truncate(strings.TrimSpace(session.Title), maxTitleWidth, "…")
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", session.ID, updated, title, session.Directory)
	}
	_ = writer.Flush()
}

func exitOnErr(label string, err error, stderr io.Writer) {
	if err == nil {
		return
	}
	fmt.Fprintf(stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision, modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			if modified == "true" {
				return revision + "-dirty"
			}
			return revision
		}
	}

	exe, err := os.Executable()
	if err == nil {
		if file, err := os.Open(exe); err == nil {
			defer file.Close()
			hasher := sha256.New()
			if _, err := io.Copy(hasher, file); err == nil {
				return fmt.Sprintf("bin-%x", hasher.Sum(nil)[:6])
			}
		}
	}
	return version
}
