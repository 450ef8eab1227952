package telegram

import (
	"testing"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/require"
)

func TestRows(t *testing.T) {
	buttons := []Button{
		{Label: "One"}, {Label: "Two"}, {Label: "Three"}, {Label: "Four"}, {Label: "Five"},
	}

	rows := Rows(buttons, 2)
	require.Len(t, rows, 3)
	require.Len(t, rows[0], 2)
	require.Len(t, rows[1], 2)
	require.Len(t, rows[2], 1)
	require.Equal(t, "One", rows[0][0].Label)
	require.Equal(t, "Five", rows[2][0].Label)

	require.Nil(t, Rows(nil, 2))

	// A non-positive row width falls back to two per row.
	rows = Rows(buttons[:3], 0)
	require.Len(t, rows, 2)
}

func TestInlineKeyboard(t *testing.T) {
	rows := [][]Button{
		{
			{Label: "Points", Action: "points"},
			{Label: "Site", URL: "https://example.com"},
		},
	}

	markup := inlineKeyboard(rows)
	require.NotNil(t, markup)

	ik, ok := markup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, ik.InlineKeyboard, 1)
	require.Equal(t, "points", ik.InlineKeyboard[0][0].CallbackData)
	require.Empty(t, ik.InlineKeyboard[0][0].URL)
	require.Equal(t, "https://example.com", ik.InlineKeyboard[0][1].URL)
	require.Empty(t, ik.InlineKeyboard[0][1].CallbackData)
}

func TestInlineKeyboardEmpty(t *testing.T) {
	require.Nil(t, inlineKeyboard(nil))
	require.Nil(t, inlineKeyboard([][]Button{{}}))
}

func TestNewClientRejectsEmptyToken(t *testing.T) {
	_, err := NewClient("", Options{})
	require.Error(t, err)
}
