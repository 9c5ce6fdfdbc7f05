// Package inbox implements the per-context JSONL mailbox (C9): send,
// peek, and load_and_clear, all serialized through an advisory lock on
// .inbox.lock.
package inbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/safeio"
)

// Message is one delivered inbox entry.
type Message struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
}

// Send appends a message to the target context's inbox under its lock,
// creating the target's directory lazily if it does not yet exist.
func Send(layout home.Layout, to, from, content string) error {
	ctx := home.NewContext(layout.ContextDir(to))
	if err := ctx.EnsureDirs(); err != nil {
		return errs.Wrap(errs.Io, "inbox.Send", "ensure dirs", err)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().Unix(),
		From:      from,
		To:        to,
		Content:   content,
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.Io, "inbox.Send", "marshal", err)
	}
	line = append(line, '\n')

	return safeio.WithLock(ctx.InboxLock, func() error {
		return safeio.AppendLines(ctx.InboxFile, line)
	})
}

// Peek returns the pending messages without clearing them.
func Peek(ctx home.Context) ([]Message, error) {
	var out []Message
	err := safeio.WithLock(ctx.InboxLock, func() error {
		msgs, err := readAll(ctx.InboxFile)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}

// LoadAndClear reads the pending messages, then truncates the inbox file
// under the same lock. If the truncate fails after a successful read, the
// entries are still returned — the untouched file re-delivers them on the
// next call rather than losing them silently.
func LoadAndClear(ctx home.Context) ([]Message, error) {
	var out []Message
	err := safeio.WithLock(ctx.InboxLock, func() error {
		msgs, err := readAll(ctx.InboxFile)
		if err != nil {
			return err
		}
		out = msgs
		if len(msgs) == 0 {
			return nil
		}
		if err := safeio.AtomicReplace(ctx.InboxFile, nil); err != nil {
			// Truncate failed; out still holds the read messages, so the
			// caller gets them now and the untruncated file redelivers
			// them on the next LoadAndClear.
			return nil
		}
		return nil
	})
	return out, err
}

func readAll(path string) ([]Message, error) {
	lines, err := safeio.ReadAllLines(path)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
