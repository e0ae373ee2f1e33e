package core

// This file defines user-friendly error messages with codes for support
// reference. When users encounter errors, they can quote the code to
// support staff for faster diagnosis.
//
// Codes are grouped by category:
//
//	FILE001-FILE099  upload validation (sniffing verdicts, size, extension)
//	TAB001-TAB099    tabular parsing (structure, encoding, junk detection)
//	SES001-SES099    script generation sessions
//	SCR001-SCR099    sandboxed script execution
//	DB001-DB099      database and audit storage
//	RATE001          request throttling
//	ERR000           fallback when nothing matches
//
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// kindMessages maps verdict kinds to user messages. Rejections carry a
// structured kind, so these are matched exactly before any pattern scan.
var kindMessages = map[string]UserMessage{
	"empty": {
		Code:    "FILE001",
		Message: "The uploaded file is empty",
		Action:  "Please upload a file with data rows",
	},
	"too_large": {
		Code:    "FILE002",
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller chunks",
	},
	"extension_not_allowed": {
		Code:    "FILE003",
		Message: "This file type is not accepted",
		Action:  "Upload a CSV, XLSX, or XLS file",
	},
	"double_extension_suspicious": {
		Code:    "FILE004",
		Message: "The filename looks like a disguised file",
		Action:  "Rename the file with a single extension and try again",
	},
	"type_mismatch": {
		Code:    "FILE005",
		Message: "The file contents do not match its extension",
		Action:  "Export the data again from its original application",
	},
	"structural_invalid": {
		Code:    "TAB001",
		Message: "The file is not structured as a table",
		Action:  "Ensure the file has a header row and comma-separated columns",
	},
	"binary_junk_detected": {
		Code:    "TAB002",
		Message: "The file contains binary data where text was expected",
		Action:  "Save the file as plain CSV or a real spreadsheet and retry",
	},
}

// errorPatterns maps technical error substrings (case-insensitive) to user
// messages. First match wins, so specific patterns precede general ones.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Upload throttling and registry (FILE / RATE)
	// =========================================================================
	{
		pattern: "too many concurrent uploads",
		msg: UserMessage{
			Code:    "RATE001",
			Message: "Too many uploads in progress",
			Action:  "Please wait a moment and try again",
		},
	},
	{
		pattern: "upload not found",
		msg: UserMessage{
			Code:    "FILE006",
			Message: "Upload not found or expired",
			Action:  "The upload may have expired. Please upload the file again",
		},
	},
	{
		pattern: "requires one or two uploads",
		msg: UserMessage{
			Code:    "FILE007",
			Message: "Select one or two files to run a script against",
			Action:  "Choose at least one and at most two uploaded files",
		},
	},

	// =========================================================================
	// Script generation sessions (SES)
	// =========================================================================
	{
		pattern: "script generation timed out",
		msg: UserMessage{
			Code:    "SES001",
			Message: "Script generation did not finish in time",
			Action:  "Please try generating the script again",
		},
	},
	{
		pattern: "generator unreachable",
		msg: UserMessage{
			Code:    "SES002",
			Message: "The script generator could not be reached",
			Action:  "Please try again in a few moments",
		},
	},
	{
		pattern: "session not found",
		msg: UserMessage{
			Code:    "SES003",
			Message: "Generation session not found",
			Action:  "The session may have been superseded. Start a new one",
		},
	},
	{
		pattern: "no payload",
		msg: UserMessage{
			Code:    "SES004",
			Message: "The generator returned an empty response",
			Action:  "Please try generating the script again",
		},
	},

	// =========================================================================
	// Script execution (SCR)
	// =========================================================================
	{
		pattern: "script execution timed out",
		msg: UserMessage{
			Code:    "SCR001",
			Message: "The script ran too long and was stopped",
			Action:  "Simplify the script or reduce the data size",
		},
	},
	{
		pattern: "execution cancelled",
		msg: UserMessage{
			Code:    "SCR002",
			Message: "Script execution was cancelled",
			Action:  "Run the script again when ready",
		},
	},

	// =========================================================================
	// Database and audit storage (DB)
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Code:    "DB001",
			Message: "Unable to connect to the database",
			Action:  "Please try again in a few moments",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Code:    "DB002",
			Message: "The database connection was interrupted",
			Action:  "Please try again",
		},
	},

	// =========================================================================
	// Request lifecycle
	// =========================================================================
	{
		pattern: "context canceled",
		msg: UserMessage{
			Code:    "ERR001",
			Message: "The request was cancelled",
			Action:  "Please try again",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Code:    "ERR002",
			Message: "The request timed out",
			Action:  "Try a smaller file or check your connection",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Code:    "ERR002",
			Message: "The operation timed out",
			Action:  "Please try again later",
		},
	},
}

// defaultMessage is returned when no pattern matches.
var defaultMessage = UserMessage{
	Code:    "ERR000",
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
}

// MapError converts a technical error into a user-friendly message with a
// support code. Rejections are matched on their structured verdict kind;
// everything else falls back to case-insensitive substring matching.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var rej *Rejection
	if errors.As(err, &rej) {
		if msg, ok := kindMessages[string(rej.Verdict.Kind)]; ok {
			if rej.Verdict.SecurityFlag != "" {
				msg.Message = fmt.Sprintf("%s (flagged for review)", msg.Message)
			}
			return msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}
