package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

var clearTokenScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") == ARGV[1] then
  redis.call("HSET", KEYS[1], "token", "", "updated", ARGV[2])
  return 1
end
return 0
`)

// Redis implements Registry with one hash per driver and one set of driver
// ids per region.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) driverKey(id string) string     { return r.prefix + ":driver:" + id }
func (r *Redis) regionKey(region string) string { return r.prefix + ":region:" + region }

func (r *Redis) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	return decodeDriver(id, m), nil
}

func (r *Redis) Upsert(ctx context.Context, d models.Driver) error {
	d.Region = models.NormalizeRegion(d.Region)
	prev, err := r.client.HGet(ctx, r.driverKey(d.ID), "region").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev != "" && prev != d.Region {
			p.SRem(ctx, r.regionKey(prev), d.ID)
		}
		p.HSet(ctx, r.driverKey(d.ID), encodeDriver(d))
		p.SAdd(ctx, r.regionKey(d.Region), d.ID)
		return nil
	})
	return err
}

func (r *Redis) ListByRegion(ctx context.Context, region string) ([]models.Driver, error) {
	ids, err := r.client.SMembers(ctx, r.regionKey(models.NormalizeRegion(region))).Result()
	if err != nil {
		return nil, fmt.Errorf("list region members: %w", err)
	}
	sort.Strings(ids)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.driverKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load region drivers: %w", err)
	}
	out := make([]models.Driver, 0, len(ids))
	for i, id := range ids {
		m := cmds[i].Val()
		if len(m) == 0 {
			continue
		}
		out = append(out, decodeDriver(id, m))
	}
	return out, nil
}

func (r *Redis) SetToken(ctx context.Context, id, token string) error {
	return r.setField(ctx, id, "token", token)
}

func (r *Redis) ClearToken(ctx context.Context, id, token string) error {
	return clearTokenScript.Run(ctx, r.client, []string{r.driverKey(id)}, token, time.Now().UTC().Format(time.RFC3339)).Err()
}

func (r *Redis) SetActive(ctx context.Context, id string, active bool) error {
	return r.setField(ctx, id, "active", strconv.FormatBool(active))
}

func (r *Redis) setField(ctx context.Context, id, field, value string) error {
	n, err := r.client.Exists(ctx, r.driverKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDriverNotFound
	}
	return r.client.HSet(ctx, r.driverKey(id), field, value, "updated", time.Now().UTC().Format(time.RFC3339)).Err()
}

func encodeDriver(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"name":     d.Name,
		"phone":    d.Phone,
		"vehicle":  d.Vehicle,
		"rate":     strconv.FormatFloat(d.Rate, 'f', 2, 64),
		"region":   d.Region,
		"tiers":    strings.Join(d.Tiers, ","),
		"active":   strconv.FormatBool(d.Active),
		"token":    d.DeviceToken,
		"language": d.Language,
		"updated":  time.Now().UTC().Format(time.RFC3339),
	}
}

func decodeDriver(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:          id,
		Name:        m["name"],
		Phone:       m["phone"],
		Vehicle:     m["vehicle"],
		Region:      m["region"],
		Active:      m["active"] == "true",
		DeviceToken: m["token"],
		Language:    m["language"],
	}
	if v, err := strconv.ParseFloat(m["rate"], 64); err == nil {
		d.Rate = v
	}
	if t := m["tiers"]; t != "" {
		d.Tiers = strings.Split(t, ",")
	}
	if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = ts
	}
	return d
}
