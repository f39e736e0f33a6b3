package controllers

import (
	"context"
	"errors"
	"strings"

	"swiftbots/internal/bot"
	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/storage"
)

// Notes keeps per-sender notes in the bot's database:
//
//	note <key> <text>   save
//	notes               list
//	forget <key>        delete
func Notes() dispatch.Controller {
	return dispatch.Controller{
		Name: "notes",
		Commands: []dispatch.Command{
			{Name: "note", Handler: dispatch.Handle(saveNote, needs(bot.ValueDB, dispatch.ValueSender, dispatch.ValueArguments)...)},
			{Name: "notes", Handler: dispatch.Handle(listNotes, needs(bot.ValueDB, dispatch.ValueSender)...)},
			{Name: "forget", Handler: dispatch.Handle(forgetNote, needs(bot.ValueDB, dispatch.ValueSender, dispatch.ValueArguments)...)},
		},
	}
}

func notesNamespace(a depends.Args) string {
	return "notes:" + a.String(dispatch.ValueSender)
}

func session(a depends.Args) (*storage.Session, error) {
	s, ok := a.Get(bot.ValueDB).(*storage.Session)
	if !ok {
		return nil, errors.New("no database session")
	}
	return s, nil
}

func saveNote(ctx context.Context, a depends.Args) error {
	key, text, ok := strings.Cut(a.String(dispatch.ValueArguments), " ")
	text = strings.TrimSpace(text)
	if !ok || key == "" || text == "" {
		return reply(ctx, a, "usage: note <key> <text>")
	}
	s, err := session(a)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, notesNamespace(a), key, text); err != nil {
		return err
	}
	return replyf(ctx, a, "saved %s", key)
}

func listNotes(ctx context.Context, a depends.Args) error {
	s, err := session(a)
	if err != nil {
		return err
	}
	entries, err := s.List(ctx, notesNamespace(a))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return reply(ctx, a, "no notes")
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Key)
		b.WriteString(": ")
		b.WriteString(e.Value)
		b.WriteByte('\n')
	}
	return reply(ctx, a, strings.TrimSuffix(b.String(), "\n"))
}

func forgetNote(ctx context.Context, a depends.Args) error {
	key := a.String(dispatch.ValueArguments)
	if key == "" {
		return reply(ctx, a, "usage: forget <key>")
	}
	s, err := session(a)
	if err != nil {
		return err
	}
	removed, err := s.Delete(ctx, notesNamespace(a), key)
	if err != nil {
		return err
	}
	if !removed {
		return replyf(ctx, a, "no note %s", key)
	}
	return replyf(ctx, a, "forgot %s", key)
}
