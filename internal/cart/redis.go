package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dermaglow/checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// RedisPersistence keeps each user's cart as one JSON value so it survives
// reloads and instance restarts.
type RedisPersistence struct{ RDB *redis.Client }

func (r *RedisPersistence) Load(ctx context.Context, userID string) ([]Line, error) {
	raw, err := r.RDB.Get(ctx, fmt.Sprintf(redisx.KeyCart, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []Line
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return lines, nil
}

func (r *RedisPersistence) Save(ctx context.Context, userID string, lines []Line) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return r.RDB.Set(ctx, fmt.Sprintf(redisx.KeyCart, userID), raw, redisx.TTLCart).Err()
}

func (r *RedisPersistence) Clear(ctx context.Context, userID string) error {
	return r.RDB.Del(ctx, fmt.Sprintf(redisx.KeyCart, userID)).Err()
}
