// Package gate decides whether a submission may proceed at all:
// sender identity, package authorization, intake channel, deadline
// window and channel credentials, checked in that order.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/sagedata/sage/pkg/logger"
	"github.com/sagedata/sage/pkg/schema"
	"github.com/sagedata/sage/pkg/types"
)

// Gate authorizes submissions against the loaded sender roster.
type Gate struct {
	log logger.Interface
}

// New creates a Gate.
func New(log logger.Interface) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{log: log}
}

// Check runs the authorization sequence. Identity, authorization,
// channel and credential failures are terminal ERROR findings; a late
// receipt is a WARNING and processing continues.
func (g *Gate) Check(sch *schema.Schema, sub *types.Submission) *types.Diagnostic {
	diag := &types.Diagnostic{}

	sender, ok := sch.SenderByID(sub.SenderID)
	if !ok {
		diag.Append(authFinding(types.Severity_ERROR,
			fmt.Sprintf("sender %q is not in the roster", sub.SenderID)))
		return diag
	}

	if !sender.Authorized(sub.PackageName) {
		diag.Append(authFinding(types.Severity_ERROR,
			fmt.Sprintf("sender %q is not authorized to submit package %q", sub.SenderID, sub.PackageName)))
		return diag
	}

	if !sender.AllowsChannel(sub.Channel) {
		diag.Append(authFinding(types.Severity_ERROR,
			fmt.Sprintf("sender %q may not submit via %q (allowed: %s)",
				sub.SenderID, sub.Channel, strings.Join(sender.AllowedMethods, ", "))))
		return diag
	}

	if late, cutoff := g.lateness(sender, sub); late {
		diag.Append(authFinding(types.Severity_WARNING,
			fmt.Sprintf("submission received at %s, after the %s deadline of %s",
				sub.ReceivedAt.Format(time.RFC3339),
				sender.SubmissionFrequency.Type,
				cutoff.Format(time.RFC3339))))
	}

	if finding := checkCredentials(sender, sub); finding != nil {
		diag.Append(finding)
		return diag
	}

	g.log.Debug("submission authorized", "sender", sub.SenderID, "package", sub.PackageName, "channel", sub.Channel)
	return diag
}

// lateness reports whether the submission missed its deadline window
// and what the cutoff instant was.
func (g *Gate) lateness(sender *schema.Sender, sub *types.Submission) (bool, time.Time) {
	freq := sender.SubmissionFrequency
	if freq == nil || sub.ReceivedAt.IsZero() {
		return false, time.Time{}
	}
	anchor := sub.DataDate
	if anchor.IsZero() {
		anchor = sub.ReceivedAt
	}
	cutoff, ok := deadlineFor(freq, anchor)
	if !ok {
		return false, time.Time{}
	}
	return sub.ReceivedAt.After(cutoff), cutoff
}

// deadlineFor computes the cutoff instant of the period that contains
// the anchor date.
func deadlineFor(freq *schema.Frequency, anchor time.Time) (time.Time, bool) {
	hour, minute, ok := parseClock(freq.Deadline.Time)
	if !ok {
		return time.Time{}, false
	}
	loc := anchor.Location()
	day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), hour, minute, 0, 0, loc)

	switch freq.Type {
	case "daily":
		return day, true
	case "weekly":
		target, ok := weekdayByName(freq.Deadline.DayOfWeek)
		if !ok {
			return time.Time{}, false
		}
		// move to the target weekday within the anchor's week; weeks start Monday
		offset := isoWeekdayIndex(target) - isoWeekdayIndex(anchor.Weekday())
		return day.AddDate(0, 0, offset), true
	case "monthly":
		dom := freq.Deadline.Day
		if dom <= 0 {
			return time.Time{}, false
		}
		return time.Date(anchor.Year(), anchor.Month(), dom, hour, minute, 0, 0, loc), true
	}
	return time.Time{}, false
}

func isoWeekdayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

func parseClock(value string) (int, int, bool) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, false
	}
	return parsed.Hour(), parsed.Minute(), true
}

func weekdayByName(name string) (time.Weekday, bool) {
	switch strings.ToLower(name) {
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	case "sunday":
		return time.Sunday, true
	}
	return 0, false
}

// checkCredentials verifies the channel-specific proof of identity
// against the sender's configuration for that channel.
func checkCredentials(sender *schema.Sender, sub *types.Submission) *types.Finding {
	config, ok := sender.Configurations[sub.Channel]
	if !ok {
		// no credentials were declared for this channel
		return nil
	}
	switch sub.Channel {
	case schema.ChannelAPI:
		if config.APIKey != "" && config.APIKey != sub.Credentials.APIKey {
			return authFinding(types.Severity_ERROR,
				fmt.Sprintf("api key does not match the configuration of sender %q", sender.SenderID))
		}
	case schema.ChannelEmail:
		if len(config.AllowedSenders) > 0 && !contains(config.AllowedSenders, sub.Credentials.EnvelopeSender) {
			return authFinding(types.Severity_ERROR,
				fmt.Sprintf("envelope sender %q is not allowed for sender %q", sub.Credentials.EnvelopeSender, sender.SenderID))
		}
	case schema.ChannelSFTP:
		if config.Host != "" && config.Host != sub.Credentials.SourceHost {
			return authFinding(types.Severity_ERROR,
				fmt.Sprintf("source host %q does not match the sftp configuration of sender %q", sub.Credentials.SourceHost, sender.SenderID))
		}
	}
	return nil
}

func contains(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}

func authFinding(severity types.Severity, message string) *types.Finding {
	return &types.Finding{
		Severity: severity,
		Scope:    types.Scope_AUTHORIZATION,
		Message:  message,
	}
}
