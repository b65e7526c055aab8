package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/JakeFAU/statsbridge/internal/bridge"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Line verbs besides the stat operations.
const (
	verbOpen    = "open"
	verbClose   = "close"
	verbScraped = "scraped"
	verbDropped = "dropped"
)

// command is one parsed input line.
type command struct {
	verb   string
	op     stats.Op
	key    string
	value  any
	entity stats.Entity
	reason string
}

// parseLine accepts
//
//	<set|inc|max|min> <key> <value> [entity]
//	open <entity>
//	close <entity> [reason]
//	scraped <entity>
//	dropped <entity> [reason]
//
// Blank lines and lines starting with '#' yield ok=false.
func parseLine(line string) (command, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return command{}, false, nil
	}
	verb := strings.ToLower(fields[0])
	switch verb {
	case verbOpen, verbScraped:
		if len(fields) != 2 {
			return command{}, false, fmt.Errorf("%s: want 1 argument, got %d", verb, len(fields)-1)
		}
		return command{verb: verb, entity: stats.Entity{Name: fields[1]}}, true, nil
	case verbClose, verbDropped:
		if len(fields) < 2 || len(fields) > 3 {
			return command{}, false, fmt.Errorf("%s: want 1 or 2 arguments, got %d", verb, len(fields)-1)
		}
		c := command{verb: verb, entity: stats.Entity{Name: fields[1]}}
		if len(fields) == 3 {
			c.reason = fields[2]
		}
		if verb == verbClose && c.reason == "" {
			c.reason = "finished"
		}
		return c, true, nil
	}

	op, err := stats.ParseOp(verb)
	if err != nil {
		return command{}, false, err
	}
	if len(fields) < 3 || len(fields) > 4 {
		return command{}, false, fmt.Errorf("%s: want key, value and optional entity", verb)
	}
	c := command{verb: string(op), op: op, key: fields[1], value: parseValue(fields[2])}
	if len(fields) == 4 {
		c.entity = stats.Entity{Name: fields[3]}
	}
	return c, true, nil
}

// parseValue prefers int64, then float64, and keeps anything else as text.
func parseValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func apply(ctx context.Context, b *bridge.Bridge, c command) error {
	switch c.verb {
	case verbOpen:
		b.OnEntityOpened(c.entity)
	case verbClose:
		b.OnEntityClosed(ctx, c.entity, c.reason)
	case verbScraped:
		b.OnItemScraped(c.entity)
	case verbDropped:
		b.OnItemDropped(c.entity, c.reason)
	default:
		return b.OnStatUpdate(c.op, c.key, c.value, c.entity, nil)
	}
	return nil
}

// lineHandler receives every parsed line with its 1-based line number.
type lineHandler func(lineNo int, c command) error

// readLines parses r until EOF. Parse errors are passed to onErr and do not
// stop the loop; only read errors are returned.
func readLines(r io.Reader, handle lineHandler, onErr func(lineNo int, err error)) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		c, ok, err := parseLine(scanner.Text())
		if err != nil {
			onErr(lineNo, err)
			continue
		}
		if !ok {
			continue
		}
		if err := handle(lineNo, c); err != nil {
			onErr(lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stats input: %w", err)
	}
	return nil
}
