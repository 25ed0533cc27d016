// cache.go — LRU-кэш терминальных решений доступа с TTL.
//
// Кэшируются только необратимые исходы: Expired, Consumed, LimitReached.
// Granted, NotFound и парольные исходы никогда не кэшируются:
// NotFound может смениться на Granted после завершения загрузки,
// а Granted обязан каждый раз проходить живую проверку лимитов.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_decision_cache_hits_total",
		Help: "Количество попаданий в кэш терминальных решений",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dl_decision_cache_misses_total",
		Help: "Количество промахов кэша терминальных решений",
	})
)

// DecisionCache — кэш терминальных решений по file_id.
type DecisionCache struct {
	lru *expirable.LRU[string, Decision]
}

// NewDecisionCache создаёт кэш ёмкостью size с временем жизни ttl.
func NewDecisionCache(size int, ttl time.Duration) *DecisionCache {
	return &DecisionCache{
		lru: expirable.NewLRU[string, Decision](size, nil, ttl),
	}
}

// Get возвращает закэшированное терминальное решение.
func (c *DecisionCache) Get(fileID string) (Decision, bool) {
	d, ok := c.lru.Get(fileID)
	if ok {
		cacheHitsTotal.Inc()
	} else {
		cacheMissesTotal.Inc()
	}
	return d, ok
}

// Put сохраняет решение, игнорируя нетерминальные исходы.
func (c *DecisionCache) Put(fileID string, d Decision) {
	switch d {
	case DecisionExpired, DecisionConsumed, DecisionLimitReached:
		c.lru.Add(fileID, d)
	}
}

// Remove вытесняет запись: используется сборщиком мусора после
// удаления строки, чтобы кэш не пережил саму запись.
func (c *DecisionCache) Remove(fileID string) {
	c.lru.Remove(fileID)
}
