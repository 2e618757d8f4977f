// The consumer drains the driver-location topic and refreshes the Redis geo
// index, so radius searches stay warm even when location updates arrive
// through other instances.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(v, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := envOr("KAFKA_TOPIC", "driver-locations")
	group := envOr("KAFKA_GROUP", "geo-refresher")
	geoKey := envOr("REDIS_GEO_KEY", "drivers_geo")

	rc := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	updater := &redisUpdater{c: rc, key: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var loc models.DriverLocation
		if err := json.Unmarshal(m.Value, &loc); err != nil || loc.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := updateGeoWithRetry(ctx, updater, loc, 3, 200*time.Millisecond); err != nil {
			geoErrors.Inc()
			log.Printf("geo update failed for driver=%s: %v", loc.DriverID, err)
			continue
		}
		geoUpdates.Inc()
	}
}

// GeoUpdater is the small subset of redis operations we need for tests
// and production.
type GeoUpdater interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error
}

type redisUpdater struct {
	c   *redis.Client
	key string
}

func (r *redisUpdater) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, r.key, loc).Err()
}

func (r *redisUpdater) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	return r.c.HSet(ctx, "driver:meta:"+driverID, values).Err()
}

// updateGeoWithRetry refreshes position and availability metadata with
// bounded retry/backoff. The position write alone is not enough: stale
// availability would keep offering rides to busy drivers.
func updateGeoWithRetry(ctx context.Context, gu GeoUpdater, loc models.DriverLocation, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := gu.GeoAdd(ctx, &redis.GeoLocation{Name: loc.DriverID, Longitude: loc.Lng, Latitude: loc.Lat}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := gu.SetMeta(ctx, loc.DriverID, map[string]interface{}{
			"available": loc.Available,
			"updated":   loc.UpdatedAt.Format(time.RFC3339),
		}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
