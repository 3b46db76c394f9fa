package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Partial   bool      `json:"partial"`
}

type WalletInfo struct {
	Ordinal int    `json:"ordinal"`
	Key     string `json:"key"`
	Address string `json:"address"`
}

type PromptInfo struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type CacheInfo struct {
	Path    string `json:"path"`
	Entries int64  `json:"entries"`
	Expired int64  `json:"expired"`
	Bytes   int64  `json:"bytes"`
	Removed int64  `json:"removed,omitempty"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}
