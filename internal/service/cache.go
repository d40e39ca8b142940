// cache.go — LRU-кэш определений включённых функций с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
//
// Резолвер перечитывает включённые функции на каждое событие
// (загрузка, изменение тегов, регистрация выхода); кэш снимает
// эту нагрузку с PostgreSQL. Мутации функций инвалидируют кэш.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/datalab/automation-module/internal/domain/model"
)

// Prometheus-метрики кэша функций.
var (
	funcCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_func_cache_hits_total",
		Help: "Общее количество попаданий в кэш определений функций.",
	})
	funcCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "au_func_cache_misses_total",
		Help: "Общее количество промахов кэша определений функций.",
	})
)

// enabledKey — ключ списка включённых функций.
const enabledKey = "enabled"

// FunctionCache — кэш определений функций с автоматическим TTL.
type FunctionCache struct {
	cache *expirable.LRU[string, []*model.Function]
}

// NewFunctionCache создаёт кэш с указанным размером и TTL.
func NewFunctionCache(maxSize int, ttl time.Duration) *FunctionCache {
	return &FunctionCache{
		cache: expirable.NewLRU[string, []*model.Function](maxSize, nil, ttl),
	}
}

// GetEnabled возвращает кэшированный список включённых функций.
func (c *FunctionCache) GetEnabled() ([]*model.Function, bool) {
	val, ok := c.cache.Get(enabledKey)
	if ok {
		funcCacheHitsTotal.Inc()
		return val, true
	}
	funcCacheMissesTotal.Inc()
	return nil, false
}

// SetEnabled сохраняет список включённых функций.
func (c *FunctionCache) SetEnabled(functions []*model.Function) {
	c.cache.Add(enabledKey, functions)
}

// Invalidate сбрасывает кэш. Вызывается при любой мутации функций.
func (c *FunctionCache) Invalidate() {
	c.cache.Purge()
}
