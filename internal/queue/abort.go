package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAborted — задача прервана по запросу отмены. Не является сбоем:
// обработчик возвращает её, и задача завершается в состоянии ABORTED.
var ErrAborted = errors.New("задача прервана")

// abortKeyPrefix — префикс ключей флагов прерывания в Redis.
const abortKeyPrefix = "um:abort:"

// Aborter — флаги прерывания задач в Redis.
type Aborter struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewAborter создаёт Aborter. ttl — время жизни флага (должно превышать
// максимальное время ожидания задачи в очереди).
func NewAborter(rdb redis.UniversalClient, ttl time.Duration) *Aborter {
	return &Aborter{rdb: rdb, ttl: ttl}
}

// Abort выставляет флаг прерывания задачи.
func (a *Aborter) Abort(ctx context.Context, taskID string) error {
	if err := a.rdb.Set(ctx, abortKeyPrefix+taskID, time.Now().UTC().Unix(), a.ttl).Err(); err != nil {
		return fmt.Errorf("ошибка установки флага прерывания %s: %w", taskID, err)
	}
	return nil
}

// IsAborted проверяет флаг прерывания задачи.
func (a *Aborter) IsAborted(ctx context.Context, taskID string) (bool, error) {
	n, err := a.rdb.Exists(ctx, abortKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки флага прерывания %s: %w", taskID, err)
	}
	return n > 0, nil
}

// Token возвращает токен прерывания для задачи.
func (a *Aborter) Token(taskID string) *Token {
	return &Token{taskID: taskID, aborter: a}
}

// Token — токен кооперативного прерывания, передаётся по цепочке вызовов задачи.
// nil-токен означает синхронный вызов без возможности прерывания.
type Token struct {
	taskID  string
	aborter *Aborter
}

// TaskID возвращает ID задачи токена ("" для nil).
func (t *Token) TaskID() string {
	if t == nil {
		return ""
	}
	return t.taskID
}

// Check — контрольная точка. Возвращает ErrAborted, если задача прервана,
// ошибку контекста при остановке воркера и ошибку Redis, если флаг не удалось проверить.
func (t *Token) Check(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	aborted, err := t.aborter.IsAborted(ctx, t.taskID)
	if err != nil {
		return err
	}
	if aborted {
		return ErrAborted
	}
	return nil
}
