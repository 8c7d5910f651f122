package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phamdk/lingocore/internal/job"
)

const redisKeyPrefix = "lingocore:job:"

// Redis is a job.Store that keeps each job as a Redis hash. Intended
// for ephemeral deployments where translation state does not need to
// outlive the Redis instance.
type Redis struct {
	client redis.Cmdable
}

var _ job.Store = (*Redis)(nil)

// NewRedis creates a Redis-backed store. The caller owns the client
// lifecycle.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func redisKey(id string) string { return redisKeyPrefix + id }

// Get loads a job hash and decodes it.
func (s *Redis) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, job.ErrNotFound
	}
	return jobFromFields(fields)
}

// Create stores the job hash, failing on duplicates.
func (s *Redis) Create(ctx context.Context, j *job.Job) error {
	key := redisKey(j.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis create exists check: %w", err)
	}
	if exists > 0 {
		return job.ErrAlreadyExists
	}

	if err := s.client.HSet(ctx, key, jobToFields(j)).Err(); err != nil {
		return fmt.Errorf("redis create job: %w", err)
	}
	return nil
}

// Update patches individual hash fields.
func (s *Redis) Update(ctx context.Context, id string, p job.Patch) error {
	key := redisKey(id)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis update exists check: %w", err)
	}
	if exists == 0 {
		return job.ErrNotFound
	}

	fields := make(map[string]any, 9)
	if p.Status != nil {
		fields["status"] = string(*p.Status)
	}
	if p.Progress != nil {
		fields["progress"] = strconv.Itoa(*p.Progress)
	}
	if p.CurrentStep != nil {
		fields["current_step"] = strconv.Itoa(*p.CurrentStep)
	}
	if p.TotalSteps != nil {
		fields["total_steps"] = strconv.Itoa(*p.TotalSteps)
	}
	if p.Result != nil {
		fields["result"] = string(p.Result)
	}
	if p.Error != nil {
		fields["error"] = *p.Error
	}
	if p.Attempts != nil {
		fields["attempts"] = strconv.Itoa(*p.Attempts)
	}
	if p.StartedAt != nil {
		fields["started_at"] = p.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if p.CompletedAt != nil {
		fields["completed_at"] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(fields) > 0 {
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return fmt.Errorf("redis update job: %w", err)
		}
	}
	if p.ClearStartedAt && p.StartedAt == nil {
		if err := s.client.HDel(ctx, key, "started_at").Err(); err != nil {
			return fmt.Errorf("redis clear started_at: %w", err)
		}
	}
	return nil
}

func jobToFields(j *job.Job) map[string]any {
	fields := map[string]any{
		"job_id":       j.ID,
		"job_type":     string(j.Type),
		"priority":     j.Priority.String(),
		"status":       string(j.Status),
		"owner_id":     j.OwnerID,
		"org_id":       j.OrgID,
		"payload":      string(j.Payload),
		"progress":     strconv.Itoa(j.Progress),
		"current_step": strconv.Itoa(j.CurrentStep),
		"total_steps":  strconv.Itoa(j.TotalSteps),
		"attempts":     strconv.Itoa(j.Attempts),
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.Result != nil {
		fields["result"] = string(j.Result)
	}
	if j.Error != "" {
		fields["error"] = j.Error
	}
	return fields
}

func jobFromFields(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:       fields["job_id"],
		Type:     job.Type(fields["job_type"]),
		Priority: job.ParsePriority(fields["priority"]),
		Status:   job.Status(fields["status"]),
		OwnerID:  fields["owner_id"],
		OrgID:    fields["org_id"],
		Error:    fields["error"],
	}
	if v := fields["payload"]; v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		j.Result = json.RawMessage(v)
	}

	var err error
	if j.Progress, err = atoiField(fields, "progress"); err != nil {
		return nil, err
	}
	if j.CurrentStep, err = atoiField(fields, "current_step"); err != nil {
		return nil, err
	}
	if j.TotalSteps, err = atoiField(fields, "total_steps"); err != nil {
		return nil, err
	}
	if j.Attempts, err = atoiField(fields, "attempts"); err != nil {
		return nil, err
	}

	if v := fields["created_at"]; v != "" {
		if j.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("redis decode created_at: %w", err)
		}
	}
	if v := fields["started_at"]; v != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, v)
		if parseErr != nil {
			return nil, fmt.Errorf("redis decode started_at: %w", parseErr)
		}
		j.StartedAt = &t
	}
	if v := fields["completed_at"]; v != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, v)
		if parseErr != nil {
			return nil, fmt.Errorf("redis decode completed_at: %w", parseErr)
		}
		j.CompletedAt = &t
	}

	return j, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	v := fields[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("redis decode %s: %w", name, err)
	}
	return n, nil
}
