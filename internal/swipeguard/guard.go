// Package swipeguard отсекает повторные прикладывания одной карты к считывателю.
package swipeguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "swipe:"

// Guard помнит последнее прикладывание карты в Redis в течение окна cooldown.
type Guard struct {
	client   *redis.Client
	cooldown time.Duration
}

// Connect открывает соединение с Redis по URL вида redis://host:port/db и проверяет его.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// New создаёт Guard поверх готового клиента.
func New(client *redis.Client, cooldown time.Duration) *Guard {
	return &Guard{client: client, cooldown: cooldown}
}

// Allow сообщает, можно ли принять прикладывание. Первое прикладывание в окне занимает ключ атомарно.
func (g *Guard) Allow(ctx context.Context, cardNumber string) (bool, error) {
	if g.cooldown <= 0 {
		return true, nil
	}

	ok, err := g.client.SetNX(ctx, keyPrefix+cardNumber, time.Now().UTC().Unix(), g.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("swipe guard: %w", err)
	}
	return ok, nil
}

// Release снимает отметку о прикладывании, чтобы карту можно было приложить снова сразу.
func (g *Guard) Release(ctx context.Context, cardNumber string) error {
	if g.cooldown <= 0 {
		return nil
	}
	if err := g.client.Del(ctx, keyPrefix+cardNumber).Err(); err != nil {
		return fmt.Errorf("swipe guard release: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (g *Guard) Close() error {
	return g.client.Close()
}
