package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript pops one waiting candidate and locks them in a single
// indivisible step. Splitting the pop, the active check and the lock
// into separate round-trips would let two searchers reserve the same
// candidate; the script closes that race.
//
// ARGV: 1 = searcher tg id, 2 = lock ttl ms, 3..N = queue keys in
// priority order. Replies: {"ACTIVE"} when the searcher already has an
// active-dialog pointer, {"OK", candidate, queue} on success, {"NONE"}
// when every queue is exhausted.
var reserveScript = redis.NewScript(`
local me = ARGV[1]
local ttl = tonumber(ARGV[2])

local function lock_key(uid)
  return "lock:match:" .. uid
end

local function active_key(uid)
  return "active_dialog:" .. uid
end

if redis.call("GET", active_key(me)) then
  return {"ACTIVE"}
end

for i = 3, #ARGV do
  local q = ARGV[i]

  local candidate = redis.call("RPOP", q)
  if candidate then
    if candidate == me then
      redis.call("LPUSH", q, candidate)
    elseif redis.call("GET", active_key(candidate)) then
      redis.call("LPUSH", q, candidate)
    else
      if redis.call("SET", lock_key(candidate), "1", "NX", "PX", ttl) then
        return {"OK", candidate, q}
      else
        redis.call("LPUSH", q, candidate)
      end
    end
  end
end

return {"NONE"}
`)

// ReserveStatus classifies one reservation round.
type ReserveStatus string

const (
	// ReserveOK: a candidate was popped and locked.
	ReserveOK ReserveStatus = "OK"
	// ReserveActive: the searcher already holds an active dialog.
	ReserveActive ReserveStatus = "ACTIVE"
	// ReserveNone: no candidate available in any queue.
	ReserveNone ReserveStatus = "NONE"
)

// Reservation is a temporary exclusive claim on a candidate, valid for
// the lock TTL. SourceQueue is where the candidate must be pushed back
// if the claim is abandoned.
type Reservation struct {
	CandidateTG int64
	SourceQueue string
}

// Reserve runs one atomic pop-check-lock round over the given queues.
func (c *RedisCache) Reserve(ctx context.Context, searcherTG int64, lockTTL time.Duration, queues []string) (ReserveStatus, *Reservation, error) {
	args := make([]interface{}, 0, 2+len(queues))
	args = append(args, strconv.FormatInt(searcherTG, 10), lockTTL.Milliseconds())
	for _, q := range queues {
		args = append(args, q)
	}

	res, err := reserveScript.Run(ctx, c.Client, []string{}, args...).Result()
	if err != nil {
		return ReserveNone, nil, err
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return ReserveNone, nil, fmt.Errorf("unexpected reserve reply: %v", res)
	}

	status := ReserveStatus(fmt.Sprint(parts[0]))
	if status != ReserveOK {
		return status, nil, nil
	}
	if len(parts) < 3 {
		return ReserveNone, nil, fmt.Errorf("short reserve reply: %v", res)
	}

	tg, err := strconv.ParseInt(fmt.Sprint(parts[1]), 10, 64)
	if err != nil {
		return ReserveNone, nil, fmt.Errorf("bad candidate id in reserve reply: %w", err)
	}

	return ReserveOK, &Reservation{CandidateTG: tg, SourceQueue: fmt.Sprint(parts[2])}, nil
}

// Requeue returns an abandoned candidate to its source queue and drops
// their reservation lock.
func (c *RedisCache) Requeue(ctx context.Context, r *Reservation) error {
	pipe := c.Client.Pipeline()
	pipe.LPush(ctx, r.SourceQueue, strconv.FormatInt(r.CandidateTG, 10))
	pipe.Del(ctx, LockMatch(r.CandidateTG))
	_, err := pipe.Exec(ctx)
	return err
}
