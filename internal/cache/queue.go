package cache

import (
	"context"
	"strconv"
)

// QueuesFor returns the candidate queue groups for a searcher, in check
// order: city-scoped first (empty without a city), then global. Premium
// searchers scan the premium variant of each scope before the plain one.
func QueuesFor(city string, premium bool) (cityQueues, globalQueues []string) {
	if premium {
		if city != "" {
			return []string{QueuePremiumCity(city), QueueCity(city)},
				[]string{QueuePremiumGlobal(), QueueGlobal()}
		}
		return nil, []string{QueuePremiumGlobal(), QueueGlobal()}
	}
	if city != "" {
		return []string{QueueCity(city)}, []string{QueueGlobal()}
	}
	return nil, []string{QueueGlobal()}
}

// enqueueTarget picks the single queue a waiting user lands in for a
// given scope.
func enqueueTarget(city string, premium bool) string {
	if premium {
		if city != "" {
			return QueuePremiumCity(city)
		}
		return QueuePremiumGlobal()
	}
	if city != "" {
		return QueueCity(city)
	}
	return QueueGlobal()
}

// Enqueue places the user at the head of their queue(s): the city queue
// when one applies, and always the global one. LREM first keeps a user
// from occupying two slots after repeated searches.
func (c *RedisCache) Enqueue(ctx context.Context, tgID int64, city string, premium bool) error {
	uid := strconv.FormatInt(tgID, 10)

	pipe := c.Client.Pipeline()
	q := enqueueTarget(city, premium)
	pipe.LRem(ctx, q, 0, uid)
	pipe.LPush(ctx, q, uid)

	if city != "" {
		qg := enqueueTarget("", premium)
		pipe.LRem(ctx, qg, 0, uid)
		pipe.LPush(ctx, qg, uid)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// DequeueAll removes the user from every queue they could be waiting
// in, premium variants included.
func (c *RedisCache) DequeueAll(ctx context.Context, tgID int64, city string) error {
	uid := strconv.FormatInt(tgID, 10)

	queues := map[string]struct{}{
		QueueGlobal():        {},
		QueuePremiumGlobal(): {},
	}
	if city != "" {
		queues[QueueCity(city)] = struct{}{}
		queues[QueuePremiumCity(city)] = struct{}{}
	}

	pipe := c.Client.Pipeline()
	for q := range queues {
		pipe.LRem(ctx, q, 0, uid)
	}
	_, err := pipe.Exec(ctx)
	return err
}
