package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := `2026-02-23 12:34:56 session=abc123 user=alice "GET /view-profile HTTP/1.1" 200`
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	require.Equal(t, "2026-02-23 12:34:56", fields.Timestamp)
	require.Equal(t, "abc123", fields.SessionID)
	require.Equal(t, "alice", fields.AccountID)
	require.Equal(t, "GET", fields.Method)
	require.Equal(t, "/view-profile", fields.Endpoint)
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("ts,method,path,session_id,username")
	require.NoError(t, err)
	require.Nil(t, fields)

	fields, err = p.ParseLine("2026-02-23T12:34:56Z,POST,/submit-form,s-9,bob")
	require.NoError(t, err)
	require.Equal(t, "s-9", fields.SessionID)
	require.Equal(t, "bob", fields.AccountID)
	require.Equal(t, "POST", fields.Method)
	require.Equal(t, "/submit-form", fields.Endpoint)
}

func TestParseCSVWithoutHeader(t *testing.T) {
	fields, err := NewParser().ParseLine("1700000000,s-1,carol,GET,/home")
	require.NoError(t, err)
	require.Equal(t, "1700000000", fields.Timestamp)
	require.Equal(t, "s-1", fields.SessionID)
	require.Equal(t, "/home", fields.Endpoint)
}

func TestParseJSON(t *testing.T) {
	line := `{"ts":1700000000123,"sid":"s-2","username":"dave","path":"/download-doc","method":"get"}`
	fields, err := NewParser().ParseLine(line)
	require.NoError(t, err)
	require.Equal(t, "1700000000123", fields.Timestamp)
	require.Equal(t, "s-2", fields.SessionID)
	require.Equal(t, "dave", fields.AccountID)
	require.Equal(t, "/download-doc", fields.Endpoint)
	require.Equal(t, "get", fields.Method)
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	require.NoError(t, err)
	require.Nil(t, fields)
}
