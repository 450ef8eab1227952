package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/perkhub/loyalbot/internal/database"
)

var validate = validator.New()

// MenuItem is one inline-keyboard entry, either a callback action or an
// external link.
type MenuItem struct {
	Label  string `json:"label" validate:"required"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

// menuPayload is the metadata shape for button_menu commands. Either a stored
// menu is referenced by id or the buttons are defined inline.
type menuPayload struct {
	MenuID  string     `json:"menu_id"`
	Buttons []MenuItem `json:"buttons" validate:"omitempty,min=1,dive"`
}

// FormField is one question in a custom command's form.
type FormField struct {
	Key    string `json:"key" validate:"required"`
	Prompt string `json:"prompt" validate:"required"`
}

// formPayload is the metadata shape for custom commands.
type formPayload struct {
	Fields []FormField `json:"fields" validate:"required,min=1,dive"`
}

// ParsedCommand is a command row with its type-specific metadata decoded and
// validated. Exactly one of Menu and Form is set, matching the command type.
type ParsedCommand struct {
	database.Command
	Menu *menuPayload
	Form *formPayload
}

// parseCommand decodes and validates the metadata payload for a command row.
// The payload shape is determined by the command type.
func parseCommand(cmd database.Command) (*ParsedCommand, error) {
	parsed := &ParsedCommand{Command: cmd}

	switch cmd.Type {
	case database.CommandTypeText:
		if cmd.ResponseText == "" {
			return nil, fmt.Errorf("text command %q has no response text", cmd.Name)
		}

	case database.CommandTypeButtonMenu:
		var payload menuPayload
		if err := json.Unmarshal([]byte(cmd.Metadata), &payload); err != nil {
			return nil, fmt.Errorf("invalid metadata for command %q: %w", cmd.Name, err)
		}
		if err := validate.Struct(&payload); err != nil {
			return nil, fmt.Errorf("invalid metadata for command %q: %w", cmd.Name, err)
		}
		if payload.MenuID == "" && len(payload.Buttons) == 0 {
			return nil, fmt.Errorf("button_menu command %q needs a menu_id or inline buttons", cmd.Name)
		}
		parsed.Menu = &payload

	case database.CommandTypePoints, database.CommandTypeMembership, database.CommandTypeCoupon:
		// Built-in handlers, no metadata payload.

	case database.CommandTypeCustom:
		var payload formPayload
		if err := json.Unmarshal([]byte(cmd.Metadata), &payload); err != nil {
			return nil, fmt.Errorf("invalid metadata for command %q: %w", cmd.Name, err)
		}
		if err := validate.Struct(&payload); err != nil {
			return nil, fmt.Errorf("invalid metadata for command %q: %w", cmd.Name, err)
		}
		parsed.Form = &payload

	default:
		return nil, fmt.Errorf("unknown command type %q for command %q", cmd.Type, cmd.Name)
	}

	return parsed, nil
}

// LoadCommands fetches a tenant's enabled commands and parses their metadata.
// Rows with invalid metadata are skipped with a warning so one bad command
// cannot disable a tenant's whole command table.
func LoadCommands(ctx context.Context, store database.Store, tenantID string, logger *slog.Logger) (map[string]*ParsedCommand, error) {
	rows, err := store.ListEnabledCommands(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	commands := make(map[string]*ParsedCommand, len(rows))
	for _, row := range rows {
		parsed, err := parseCommand(row)
		if err != nil {
			logger.WarnContext(ctx, "Skipping command with invalid metadata",
				"tenant_id", tenantID, "command", row.Name, "error", err)
			continue
		}
		commands[parsed.Name] = parsed
	}
	return commands, nil
}

// parseMenuItems decodes a stored menu's items column.
func parseMenuItems(menu *database.Menu) ([]MenuItem, error) {
	var items []MenuItem
	if err := json.Unmarshal([]byte(menu.Items), &items); err != nil {
		return nil, fmt.Errorf("invalid items for menu %q: %w", menu.MenuID, err)
	}
	return items, nil
}
