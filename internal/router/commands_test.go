package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perkhub/loyalbot/internal/database"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     database.Command
		wantErr bool
	}{
		{
			name: "text with response",
			cmd:  database.Command{Name: "hi", Type: database.CommandTypeText, ResponseText: "hello"},
		},
		{
			name:    "text without response",
			cmd:     database.Command{Name: "hi", Type: database.CommandTypeText},
			wantErr: true,
		},
		{
			name: "button menu by reference",
			cmd:  database.Command{Name: "m", Type: database.CommandTypeButtonMenu, Metadata: `{"menu_id":"main"}`},
		},
		{
			name: "button menu inline",
			cmd:  database.Command{Name: "m", Type: database.CommandTypeButtonMenu, Metadata: `{"buttons":[{"label":"A","action":"points"}]}`},
		},
		{
			name:    "button menu empty payload",
			cmd:     database.Command{Name: "m", Type: database.CommandTypeButtonMenu, Metadata: `{}`},
			wantErr: true,
		},
		{
			name:    "button menu button without label",
			cmd:     database.Command{Name: "m", Type: database.CommandTypeButtonMenu, Metadata: `{"buttons":[{"action":"points"}]}`},
			wantErr: true,
		},
		{
			name: "points needs no metadata",
			cmd:  database.Command{Name: "p", Type: database.CommandTypePoints},
		},
		{
			name: "custom form",
			cmd:  database.Command{Name: "f", Type: database.CommandTypeCustom, Metadata: `{"fields":[{"key":"k","prompt":"?"}]}`},
		},
		{
			name:    "custom without fields",
			cmd:     database.Command{Name: "f", Type: database.CommandTypeCustom, Metadata: `{"fields":[]}`},
			wantErr: true,
		},
		{
			name:    "custom with broken json",
			cmd:     database.Command{Name: "f", Type: database.CommandTypeCustom, Metadata: `{"fields":`},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cmd:     database.Command{Name: "x", Type: "emoji_rain"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parseCommand(tt.cmd)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.cmd.Name, parsed.Name)
		})
	}
}

func TestLoadCommandsSkipsInvalidRows(t *testing.T) {
	ctx := context.Background()

	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log)

	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID: "t1", Name: "good", Type: database.CommandTypeText,
		ResponseText: "ok", Enabled: true,
	}))
	require.NoError(t, store.SaveCommand(ctx, &database.Command{
		TenantID: "t1", Name: "bad", Type: database.CommandTypeButtonMenu,
		Metadata: `{}`, Enabled: true,
	}))

	commands, err := LoadCommands(ctx, store, "t1", log)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Contains(t, commands, "good")
}
