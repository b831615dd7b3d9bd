// Package sshconfig parses OpenSSH client configuration text into plain
// host entries. It is a pure text-to-struct transformation; resolution of
// the entries into stored connections happens in the import handler.
package sshconfig

import (
	"bufio"
	"strconv"
	"strings"
)

// Entry is one Host block from an ssh_config file.
type Entry struct {
	Alias    string
	HostName string
	User     string
	Port     int
}

// Parse extracts the Host blocks from ssh_config text. Wildcard aliases
// (containing * or ?) are skipped; unknown keywords are ignored. A block
// without an explicit HostName falls back to its alias.
func Parse(text string) []Entry {
	var entries []Entry
	var current *Entry

	flush := func() {
		if current == nil {
			return
		}
		if current.HostName == "" {
			current.HostName = current.Alias
		}
		entries = append(entries, *current)
		current = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")

		switch key {
		case "host":
			flush()
			alias := fields[1]
			if strings.ContainsAny(alias, "*?") {
				continue
			}
			current = &Entry{Alias: alias}
		case "hostname":
			if current != nil {
				current.HostName = value
			}
		case "user":
			if current != nil {
				current.User = value
			}
		case "port":
			if current != nil {
				if p, err := strconv.Atoi(value); err == nil {
					current.Port = p
				}
			}
		}
	}
	flush()

	return entries
}
