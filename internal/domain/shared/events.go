package shared

import "time"

// EventType names an event on the bus and on the Redis channels.
type EventType string

const (
	EventLevelChanged   EventType = "progress.level_changed"
	EventPointsAdjusted EventType = "progress.points_adjusted"

	EventSessionStarted EventType = "presence.session_started"
	EventSessionEnded   EventType = "presence.session_ended"
)

// Event is anything the write path announces. Concrete events marshal to
// JSON as-is; the embedded header carries type, time and member key.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
}

// BaseEvent is the header every event embeds. AggregateID is the member key
// ("guild/user") the event is about.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Member    string    `json:"aggregate_id"`
}

func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{Type: eventType, Timestamp: at, Member: aggregateID}
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.Member }

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// LevelChangedEvent is emitted after a committed write moved a member to
// another level. Source names what drove the write ("voice", "admin:set-level", ...).
type LevelChangedEvent struct {
	BaseEvent
	UserID        UserID  `json:"user_id"`
	GuildID       GuildID `json:"guild_id"`
	OldLevel      int     `json:"old_level"`
	NewLevel      int     `json:"new_level"`
	PointsAwarded int64   `json:"points_awarded"`
	NewPoints     int64   `json:"new_points"`
	Source        string  `json:"source"`
}

// LeveledUp reports an upward transition.
func (e LevelChangedEvent) LeveledUp() bool {
	return e.NewLevel > e.OldLevel
}

// NewLevelChangedEvent creates a LevelChangedEvent.
func NewLevelChangedEvent(key MemberKey, oldLevel, newLevel int, awarded, points int64, source string, at time.Time) LevelChangedEvent {
	return LevelChangedEvent{
		BaseEvent:     NewBaseEvent(EventLevelChanged, key.String(), at),
		UserID:        key.UserID,
		GuildID:       key.GuildID,
		OldLevel:      oldLevel,
		NewLevel:      newLevel,
		PointsAwarded: awarded,
		NewPoints:     points,
		Source:        source,
	}
}

// PointsAdjustedEvent is emitted after an administrative points change.
type PointsAdjustedEvent struct {
	BaseEvent
	UserID    UserID  `json:"user_id"`
	GuildID   GuildID `json:"guild_id"`
	OldPoints int64   `json:"old_points"`
	NewPoints int64   `json:"new_points"`
	Reason    string  `json:"reason,omitempty"`
}

// NewPointsAdjustedEvent creates a PointsAdjustedEvent.
func NewPointsAdjustedEvent(key MemberKey, oldPoints, newPoints int64, reason string, at time.Time) PointsAdjustedEvent {
	return PointsAdjustedEvent{
		BaseEvent: NewBaseEvent(EventPointsAdjusted, key.String(), at),
		UserID:    key.UserID,
		GuildID:   key.GuildID,
		OldPoints: oldPoints,
		NewPoints: newPoints,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Presence Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedEvent is emitted when the registry starts tracking a member.
type SessionStartedEvent struct {
	BaseEvent
	SessionID       string    `json:"session_id"`
	UserID          UserID    `json:"user_id"`
	GuildID         GuildID   `json:"guild_id"`
	ChannelID       ChannelID `json:"channel_id"`
	JoinedAt        time.Time `json:"joined_at"`
	IntervalMinutes int       `json:"interval_minutes"`
	ExpPerInterval  int       `json:"exp_per_interval"`
}

// SessionEndedEvent is emitted once a session's accrual loop has stopped.
type SessionEndedEvent struct {
	BaseEvent
	SessionID string    `json:"session_id"`
	UserID    UserID    `json:"user_id"`
	GuildID   GuildID   `json:"guild_id"`
	ChannelID ChannelID `json:"channel_id"`
	JoinedAt  time.Time `json:"joined_at"`
	EndedAt   time.Time `json:"ended_at"`
	ExpEarned int64     `json:"exp_earned"`
	Credits   int       `json:"credits"`
	Reason    string    `json:"reason"`
}

// Duration returns how long the session lasted.
func (e SessionEndedEvent) Duration() time.Duration {
	return e.EndedAt.Sub(e.JoinedAt)
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler reacts to one event. A returned error is logged by the bus,
// never surfaced to the publisher.
type EventHandler func(event Event) error

type EventPublisher interface {
	Publish(event Event) error
}

type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus is what the write path and the subscribers share.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
