package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tasknotif/internal/domain"
	"tasknotif/internal/util"
)

const timeLayout = "2006-01-02 15:04"

type taskTemplate struct {
	title   string
	content string
}

var taskTemplates = map[domain.NotificationType]taskTemplate{
	domain.TypeTaskAssigned: {
		title: "【任务分配】{title}",
		content: "您有新的任务需要处理：\n\n" +
			"任务标题：{title}\n" +
			"任务类型：{task_type}\n" +
			"优先级：{priority}\n" +
			"创建者：{creator}\n" +
			"开始时间：{start_date}\n" +
			"截止时间：{due_date}\n\n" +
			"任务描述：\n{description}\n\n" +
			"请及时处理！",
	},
	domain.TypeTaskCompleted: {
		title: "【任务完成】{title}",
		content: "任务已完成，请进行评价：\n\n" +
			"任务标题：{title}\n" +
			"完成时间：{completed_at}\n" +
			"执行人：{assignees}\n\n" +
			"请及时进行评价！",
	},
	domain.TypeTaskOverdue: {
		title: "【任务逾期】{title}",
		content: "您的任务已逾期：\n\n" +
			"任务标题：{title}\n" +
			"截止时间：{due_date}\n" +
			"逾期时长：{overdue}\n\n" +
			"请立即处理！",
	},
	domain.TypeTaskReviewed: {
		title: "【任务评价】{title}",
		content: "您的任务已被评价：\n\n" +
			"任务标题：{title}\n" +
			"评价人：{reviewer}\n" +
			"评价时间：{reviewed_at}\n\n" +
			"请查看详细评价内容！",
	},
}

var fallbackTemplate = taskTemplate{
	title:   "【任务通知】{title}",
	content: "任务 {title} 有新的更新，请查看详情。",
}

// RenderTaskEvent builds the title and content for a task lifecycle event.
// Times are rendered in now's location.
func RenderTaskEvent(ev domain.TaskEvent, now time.Time) (title, content string) {
	tpl, ok := taskTemplates[ev.NotificationType]
	if !ok {
		tpl = fallbackTemplate
	}
	t := ev.Task
	loc := now.Location()
	vars := map[string]string{
		"title":        t.Title,
		"task_type":    orDash(t.TaskType),
		"priority":     orDash(t.Priority),
		"creator":      orDash(t.CreatorName),
		"start_date":   formatTime(t.StartDate, loc, "未设置"),
		"due_date":     formatTime(t.DueDate, loc, "未设置"),
		"completed_at": formatTime(t.CompletedAt, loc, "刚刚"),
		"reviewed_at":  formatTime(t.ReviewedAt, loc, "刚刚"),
		"assignees":    orDash(strings.Join(t.AssigneeName, "、")),
		"reviewer":     orDash(t.ReviewerName),
		"description":  orDash(t.Description),
		"overdue":      overdueFor(t.DueDate, now),
	}
	return util.RenderTemplate(tpl.title, vars), util.RenderTemplate(tpl.content, vars)
}

// HandleTaskEvent creates one notification per recipient. A failing recipient
// does not stop the others; their errors are joined.
func (s *NotificationService) HandleTaskEvent(ctx context.Context, ev domain.TaskEvent) ([]domain.Notification, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	title, content := RenderTaskEvent(ev, s.now().In(s.location()))
	channels := ev.Channels
	if len(channels) == 0 {
		channels = []domain.Channel{domain.ChannelSystem, domain.ChannelShihuatong}
	}

	var (
		out  []domain.Notification
		errs []error
	)
	for _, uid := range ev.RecipientIDs {
		n, err := s.Create(ctx, domain.NotificationRequest{
			RecipientID:   uid,
			Type:          ev.NotificationType,
			Title:         title,
			Content:       content,
			SenderID:      ev.SenderID,
			RelatedTaskID: ev.TaskID,
			Channels:      channels,
		})
		if err != nil {
			slog.Error("task notification failed", "task_id", ev.TaskID, "recipient_id", uid, "err", err)
			errs = append(errs, fmt.Errorf("recipient %d: %w", uid, err))
			continue
		}
		out = append(out, n)
	}
	return out, errors.Join(errs...)
}

func formatTime(t *time.Time, loc *time.Location, missing string) string {
	if t == nil {
		return missing
	}
	return t.In(loc).Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// overdueFor renders how long past due a task is, in days and hours.
func overdueFor(due *time.Time, now time.Time) string {
	if due == nil || !now.After(*due) {
		return "-"
	}
	d := now.Sub(*due)
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days > 0 {
		return fmt.Sprintf("%d天%d小时", days, hours)
	}
	return fmt.Sprintf("%d小时", hours)
}
