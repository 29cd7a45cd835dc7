package domain

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelSystem     Channel = "system"
	ChannelEmail      Channel = "email"
	ChannelSMS        Channel = "sms"
	ChannelShihuatong Channel = "shihuatong"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSystem, ChannelEmail, ChannelSMS, ChannelShihuatong:
		return true
	}
	return false
}

// Intrusive channels are suppressed inside a do-not-disturb window.
func (c Channel) Intrusive() bool {
	return c == ChannelSMS || c == ChannelShihuatong
}

type NotificationType string

const (
	TypeTaskAssigned       NotificationType = "task_assigned"
	TypeTaskUpdated        NotificationType = "task_updated"
	TypeTaskCompleted      NotificationType = "task_completed"
	TypeTaskOverdue        NotificationType = "task_overdue"
	TypeTaskReviewed       NotificationType = "task_reviewed"
	TypeTaskCommented      NotificationType = "task_commented"
	TypeSystemAnnouncement NotificationType = "system_announcement"
	TypeUserMentioned      NotificationType = "user_mentioned"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TypeTaskAssigned, TypeTaskUpdated, TypeTaskCompleted, TypeTaskOverdue,
		TypeTaskReviewed, TypeTaskCommented, TypeSystemAnnouncement, TypeUserMentioned:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationUnread   NotificationStatus = "unread"
	NotificationRead     NotificationStatus = "read"
	NotificationArchived NotificationStatus = "archived"
)

type Notification struct {
	ID            string             `json:"id"`
	RecipientID   int64              `json:"recipientId"`
	SenderID      *int64             `json:"senderId,omitempty"`
	Type          NotificationType   `json:"notificationType"`
	Title         string             `json:"title"`
	Content       string             `json:"content"`
	RelatedTaskID string             `json:"relatedTaskId,omitempty"`
	Channels      []Channel          `json:"channels"`
	Status        NotificationStatus `json:"status"`
	Extra         map[string]any     `json:"extraData,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	ReadAt        *time.Time         `json:"readAt,omitempty"`
}

// NotificationRequest is the input of the fan-out.
type NotificationRequest struct {
	RecipientID   int64            `json:"recipientId"`
	Type          NotificationType `json:"notificationType"`
	Title         string           `json:"title"`
	Content       string           `json:"content"`
	SenderID      *int64           `json:"senderId,omitempty"`
	RelatedTaskID string           `json:"relatedTaskId,omitempty"`
	Channels      []Channel        `json:"channels,omitempty"`
	Extra         map[string]any   `json:"extraData,omitempty"`
}

func (r NotificationRequest) Validate() error {
	if r.RecipientID <= 0 || r.Title == "" {
		return ErrMissingFields
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidType, r.Type)
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidChannel, c)
		}
	}
	return nil
}

type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// NotificationLog is the outcome of one channel for one notification.
// There is at most one row per (NotificationID, Channel).
type NotificationLog struct {
	NotificationID string         `json:"notificationId"`
	Channel        Channel        `json:"channel"`
	Status         LogStatus      `json:"status"`
	Response       map[string]any `json:"responseData,omitempty"`
	Error          string         `json:"errorMessage,omitempty"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	CreatedAt      time.Time      `json:"createdAt"`
	SentAt         *time.Time     `json:"sentAt,omitempty"`
}

// UserNotificationSettings holds per-user channel and type toggles and an
// optional do-not-disturb window ("HH:MM" or "HH:MM:SS", may wrap midnight).
type UserNotificationSettings struct {
	UserID int64 `json:"userId"`

	System     bool `json:"systemNotifications"`
	Email      bool `json:"emailNotifications"`
	SMS        bool `json:"smsNotifications"`
	Shihuatong bool `json:"shihuatongNotifications"`

	TaskAssigned  bool `json:"taskAssignedNotifications"`
	TaskUpdated   bool `json:"taskUpdatedNotifications"`
	TaskCompleted bool `json:"taskCompletedNotifications"`
	TaskOverdue   bool `json:"taskOverdueNotifications"`
	TaskReviewed  bool `json:"taskReviewedNotifications"`
	TaskCommented bool `json:"taskCommentedNotifications"`

	DoNotDisturbStart string `json:"doNotDisturbStart,omitempty"`
	DoNotDisturbEnd   string `json:"doNotDisturbEnd,omitempty"`
}

// DefaultSettings is what a user gets on first notification.
func DefaultSettings(userID int64) UserNotificationSettings {
	return UserNotificationSettings{
		UserID:        userID,
		System:        true,
		Email:         true,
		SMS:           false,
		Shihuatong:    true,
		TaskAssigned:  true,
		TaskUpdated:   true,
		TaskCompleted: true,
		TaskOverdue:   true,
		TaskReviewed:  true,
		TaskCommented: true,
	}
}

func (s UserNotificationSettings) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelSystem:
		return s.System
	case ChannelEmail:
		return s.Email
	case ChannelSMS:
		return s.SMS
	case ChannelShihuatong:
		return s.Shihuatong
	}
	return false
}

// TypeEnabled reports the per-type toggle. Types without a toggle are always on.
func (s UserNotificationSettings) TypeEnabled(t NotificationType) bool {
	switch t {
	case TypeTaskAssigned:
		return s.TaskAssigned
	case TypeTaskUpdated:
		return s.TaskUpdated
	case TypeTaskCompleted:
		return s.TaskCompleted
	case TypeTaskOverdue:
		return s.TaskOverdue
	case TypeTaskReviewed:
		return s.TaskReviewed
	case TypeTaskCommented:
		return s.TaskCommented
	}
	return true
}

// InDoNotDisturb reports whether now falls inside the window. Both bounds are
// inclusive; a window with start after end wraps past midnight. An unset or
// unparsable bound disables the window.
func (s UserNotificationSettings) InDoNotDisturb(now time.Time) bool {
	start, ok := parseClock(s.DoNotDisturbStart)
	if !ok {
		return false
	}
	end, ok := parseClock(s.DoNotDisturbEnd)
	if !ok {
		return false
	}
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if start <= end {
		return start <= cur && cur <= end
	}
	return cur >= start || cur <= end
}

// parseClock converts "HH:MM[:SS]" to seconds since midnight.
func parseClock(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), true
		}
	}
	return 0, false
}

// TaskEvent is a lifecycle trigger produced by the task layer.
type TaskEvent struct {
	TaskID           string           `json:"taskId"`
	NotificationType NotificationType `json:"notificationType"`
	RecipientIDs     []int64          `json:"recipientUserIds"`
	SenderID         *int64           `json:"senderId,omitempty"`
	Channels         []Channel        `json:"channels,omitempty"`
	Task             TaskSnapshot     `json:"task"`
}

func (e TaskEvent) Validate() error {
	if e.TaskID == "" || len(e.RecipientIDs) == 0 {
		return ErrMissingFields
	}
	if !e.NotificationType.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidType, e.NotificationType)
	}
	return nil
}

// TaskSnapshot is the slice of task data the notification text needs.
type TaskSnapshot struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	TaskType     string     `json:"taskType"`
	Priority     string     `json:"priority"`
	CreatorName  string     `json:"creatorName"`
	AssigneeName []string   `json:"assigneeNames"`
	ReviewerName string     `json:"reviewerName"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ReviewedAt   *time.Time `json:"reviewedAt,omitempty"`
}
