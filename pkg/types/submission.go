package types

import "time"

// Credentials carries the channel-specific proof of identity attached
// to a submission. Only the field relevant to the intake channel is
// consulted.
type Credentials struct {
	APIKey         string `json:"api_key,omitempty"`
	EnvelopeSender string `json:"envelope_sender,omitempty"`
	SourceHost     string `json:"source_host,omitempty"`
}

// Submission is the metadata of one incoming file: who sent what,
// through which channel, and when. The blob itself travels separately.
//
// DataDate is the reporting period the file covers, usually recovered
// from the {date} placeholder of the file name. It anchors the
// deadline window; when zero the receipt day is used instead.
type Submission struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	PackageName string      `json:"package_name"`
	Channel     string      `json:"channel"`
	FileName    string      `json:"file_name"`
	ReceivedAt  time.Time   `json:"received_at"`
	DataDate    time.Time   `json:"data_date,omitempty"`
	Credentials Credentials `json:"-"`
}
