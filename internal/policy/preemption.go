package policy

import "strings"

// Class buckets inbound commands for preemption decisions.
type Class string

const (
	ClassUserQuery        Class = "user_query"
	ClassToolNotification Class = "tool_notification_normal"
	ClassToolUrgent       Class = "tool_notification_urgent"
)

// Decision is the outcome of Decide.
type Decision string

const (
	// Preempt cancels the active task, if any, and starts a new one.
	Preempt Decision = "preempt"
	// Coexist delivers the command as a side notice and leaves the active
	// task running.
	Coexist Decision = "coexist"
	// Reject refuses the command while a task is active.
	Reject Decision = "reject"
)

type Config struct {
	// UserQueryPreempts lets a new user query supersede a running one.
	// When false the new query is rejected until the active task ends.
	UserQueryPreempts bool
}

type Policy struct {
	cfg Config
}

func New(cfg Config) Policy {
	return Policy{cfg: cfg}
}

// Decide is pure: it depends only on whether the session has an active task
// and on the class of the incoming command.
func (p Policy) Decide(hasActive bool, class Class) Decision {
	if !hasActive {
		return Preempt
	}
	switch class {
	case ClassUserQuery:
		if p.cfg.UserQueryPreempts {
			return Preempt
		}
		return Reject
	case ClassToolUrgent:
		return Preempt
	case ClassToolNotification:
		return Coexist
	default:
		return Reject
	}
}

// Source identifies where a command came from.
type Source string

const (
	SourceClient Source = "client"
	SourceTool   Source = "tool"
)

// Classify maps a command origin and its urgency flag to a class. Client
// queries are always user queries; tool pushes are urgent when they ask to
// cancel pending processing.
func Classify(source Source, urgent bool) Class {
	if strings.EqualFold(string(source), string(SourceTool)) {
		if urgent {
			return ClassToolUrgent
		}
		return ClassToolNotification
	}
	return ClassUserQuery
}

func ParseClass(v string) (Class, bool) {
	switch Class(strings.ToLower(strings.TrimSpace(v))) {
	case ClassUserQuery:
		return ClassUserQuery, true
	case ClassToolNotification:
		return ClassToolNotification, true
	case ClassToolUrgent:
		return ClassToolUrgent, true
	}
	return "", false
}
