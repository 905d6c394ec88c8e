// Пакет checksum — вычисление контрольных сумм backing-файлов.
//
// Алгоритм задаётся конфигурацией (UM_CHECKSUM_TYPE). Вычисленная сумма
// кэшируется по (id загрузки, offset) в LRU с TTL: дозапись чанка меняет
// offset, поэтому устаревшее значение никогда не совпадёт по ключу.
package checksum

import (
	"crypto/md5"  //nolint:gosec // md5 — алгоритм совместимости с клиентами
	"crypto/sha1" //nolint:gosec // sha1 — алгоритм совместимости с клиентами
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша контрольных сумм.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_checksum_cache_hits_total",
		Help: "Общее количество попаданий в кэш контрольных сумм.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_checksum_cache_misses_total",
		Help: "Общее количество промахов кэша контрольных сумм.",
	})
)

// algorithms — поддерживаемые алгоритмы хэширования.
var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Supported возвращает отсортированный список поддерживаемых алгоритмов.
func Supported() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cached — закэшированная сумма для конкретного смещения.
type cached struct {
	offset int64
	sum    string
}

// Engine — вычисление контрольных сумм настроенным алгоритмом.
type Engine struct {
	algorithm string
	newHash   func() hash.Hash
	cache     *expirable.LRU[string, cached]
}

// New создаёт Engine.
// cacheSize — максимальное количество закэшированных сумм, ttl — время жизни записи.
func New(algorithm string, cacheSize int, ttl time.Duration) (*Engine, error) {
	name := strings.ToLower(algorithm)
	newHash, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("неподдерживаемый алгоритм %q, допустимые: %s",
			algorithm, strings.Join(Supported(), ", "))
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}

	return &Engine{
		algorithm: name,
		newHash:   newHash,
		cache:     expirable.NewLRU[string, cached](cacheSize, nil, ttl),
	}, nil
}

// Algorithm возвращает имя алгоритма (ключ, под которым клиент передаёт сумму).
func (e *Engine) Algorithm() string {
	return e.algorithm
}

// Sum вычисляет hex-сумму потока.
func (e *Engine) Sum(r io.Reader) (string, error) {
	h := e.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile открывает файл, вычисляет сумму и закрывает файл.
// Повторные вызовы не держат открытых дескрипторов.
func (e *Engine) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	sum, err := e.Sum(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return sum, nil
}

// SumPrefix вычисляет сумму первых n байт файла.
// Байты за пределами n (остаток прерванной дозаписи) не учитываются.
func (e *Engine) SumPrefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	h := e.newHash()
	if _, err := io.CopyN(h, f, n); err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%s: файл короче смещения %d", path, n)
		}
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum возвращает сумму первых offset байт backing-файла загрузки id.
// Значение берётся из кэша, если файл не менялся с последнего вычисления.
func (e *Engine) Checksum(id string, offset int64, path string) (string, error) {
	if c, ok := e.cache.Get(id); ok && c.offset == offset {
		cacheHitsTotal.Inc()
		return c.sum, nil
	}
	cacheMissesTotal.Inc()

	sum, err := e.SumPrefix(path, offset)
	if err != nil {
		return "", err
	}
	e.cache.Add(id, cached{offset: offset, sum: sum})
	return sum, nil
}

// Invalidate удаляет закэшированную сумму загрузки (после дозаписи или удаления).
func (e *Engine) Invalidate(id string) {
	e.cache.Remove(id)
}

// Equal сравнивает две hex-суммы без учёта регистра за постоянное время.
func Equal(a, b string) bool {
	x := []byte(strings.ToLower(strings.TrimSpace(a)))
	y := []byte(strings.ToLower(strings.TrimSpace(b)))
	return subtle.ConstantTimeCompare(x, y) == 1
}
