package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

const (
	plansIndexKey     = "dagrun:plans"
	instancesIndexKey = "dagrun:instances"

	// maxUpdateRetries bounds optimistic-lock retries in UpdateInstance
	maxUpdateRetries = 5
)

// Store implements ports.Store using Redis
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store. A positive ttl expires instance data.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SavePlan creates or replaces a plan
func (s *Store) SavePlan(ctx context.Context, plan *domain.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getPlanKey(plan.ID), data, 0)
		pipe.ZAdd(ctx, plansIndexKey, redis.Z{Score: score(plan.CreatedAt), Member: plan.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id
func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var plan domain.Plan
	if err := s.getJSON(ctx, getPlanKey(id), &plan); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns all plans ordered by creation time
func (s *Store) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	ids, err := s.client.ZRange(ctx, plansIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	plans := make([]*domain.Plan, 0, len(ids))
	for _, id := range ids {
		plan, err := s.GetPlan(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				continue
			}
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// DeletePlan removes a plan
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, getPlanKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	s.client.ZRem(ctx, plansIndexKey, id)
	if n == 0 {
		return fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	return nil
}

// CreateInstance stores a new instance with its step rows
func (s *Store) CreateInstance(ctx context.Context, instance *domain.Instance, steps []*domain.StepExecution) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	created, err := s.client.SetNX(ctx, getInstanceKey(instance.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	if !created {
		return fmt.Errorf("instance %s already exists", instance.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, instancesIndexKey, redis.Z{Score: score(instance.CreatedAt), Member: instance.ID})
		for _, step := range steps {
			stepData, err := json.Marshal(step)
			if err != nil {
				return fmt.Errorf("failed to marshal step: %w", err)
			}
			pipe.HSet(ctx, getStepsKey(instance.ID), step.StepID, stepData)
		}
		if s.ttl > 0 && len(steps) > 0 {
			pipe.Expire(ctx, getStepsKey(instance.ID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save steps: %w", err)
	}

	s.logger.Debug("instance saved",
		zap.String("instance_id", instance.ID),
		zap.String("status", string(instance.Status)))
	return nil
}

// GetInstance retrieves an instance by id
func (s *Store) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	var inst domain.Instance
	if err := s.getJSON(ctx, getInstanceKey(id), &inst); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstance merges patch into the stored instance using WATCH/MULTI
func (s *Store) UpdateInstance(ctx context.Context, patch domain.InstancePatch) (*domain.Instance, error) {
	key := getInstanceKey(patch.ID)

	var updated *domain.Instance
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}

		var inst domain.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return fmt.Errorf("failed to unmarshal instance: %w", err)
		}
		patch.Apply(&inst)

		out, err := json.Marshal(&inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = &inst
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, patch.ID)
		default:
			return nil, fmt.Errorf("failed to update instance: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to update instance %s: too much contention", patch.ID)
}

// UpsertStep creates or replaces a step row
func (s *Store) UpsertStep(ctx context.Context, step *domain.StepExecution) error {
	exists, err := s.client.Exists(ctx, getInstanceKey(step.InstanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check instance: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: instance %s", ports.ErrNotFound, step.InstanceID)
	}

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	key := getStepsKey(step.InstanceID)
	if err := s.client.HSet(ctx, key, step.StepID, data).Err(); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

// GetStepsForInstance returns steps in plan order
func (s *Store) GetStepsForInstance(ctx context.Context, instanceID string) ([]*domain.StepExecution, error) {
	rows, err := s.client.HGetAll(ctx, getStepsKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}

	steps := make([]*domain.StepExecution, 0, len(rows))
	for _, data := range rows {
		var step domain.StepExecution
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		steps = append(steps, &step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Seq < steps[j].Seq
	})
	return steps, nil
}

// ListInstances returns instances matching filter, newest first
func (s *Store) ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]*domain.Instance, error) {
	ids, err := s.client.ZRevRange(ctx, instancesIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]*domain.Instance, 0, len(ids))
	var expired []any
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				expired = append(expired, id)
				continue
			}
			return nil, err
		}
		if filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, instancesIndexKey, expired...).Err(); err != nil {
			s.logger.Warn("failed to prune expired instances from index", zap.Error(err))
		}
	}

	filter.Sort(instances)
	return filter.Paginate(instances), nil
}

// DeleteInstance removes an instance, its steps and optionally its events
func (s *Store) DeleteInstance(ctx context.Context, id string, includeEvents bool) error {
	n, err := s.client.Del(ctx, getInstanceKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
	}

	keys := []string{getStepsKey(id)}
	if includeEvents {
		keys = append(keys, getEventsKey(id))
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, instancesIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete instance data: %w", err)
	}

	s.logger.Debug("instance deleted", zap.String("instance_id", id))
	return nil
}

// AppendEvent adds an event to the instance's sorted set
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := getEventsKey(event.InstanceID)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score(event.Timestamp), Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

// ListEvents returns events for an instance in timestamp order
func (s *Store) ListEvents(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.Since != nil {
		by.Min = strconv.FormatInt(filter.Since.UnixMicro(), 10)
	}
	if filter.Until != nil {
		by.Max = strconv.FormatInt(filter.Until.UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, getEventsKey(instanceID), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*domain.Event, 0, len(members))
	for _, member := range members {
		var e domain.Event
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return filter.Apply(events), nil
}

// Close is a no-op; the Redis client is closed by its owner
func (s *Store) Close() error {
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// score maps a timestamp to a sorted-set score with microsecond precision
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func getPlanKey(id string) string {
	return fmt.Sprintf("dagrun:plan:%s", id)
}

func getInstanceKey(id string) string {
	return fmt.Sprintf("dagrun:instance:%s", id)
}

func getStepsKey(id string) string {
	return fmt.Sprintf("dagrun:steps:%s", id)
}

func getEventsKey(id string) string {
	return fmt.Sprintf("dagrun:events:%s", id)
}
