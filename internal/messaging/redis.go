package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"supply-service/internal/logger"
	"supply-service/internal/types"
)

// Callbacks routes operator commands popped from the supply lists into the
// coordinator. Each returns the outcome; the coordinator publishes the
// command result itself.
type Callbacks struct {
	LoadCallback        func(group string) (bool, string)
	UnloadCallback      func(sensor string) (bool, string)
	FollowerCallback    func(sensor string, enable bool, direction types.Direction) (bool, string)
	ClearErrorsCallback func() (bool, string)
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts the command list listeners after the coordinator is
// running.
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	r.wg.Add(4)
	go r.listCommandListener("supply:load", r.handleLoadCommand)
	go r.listCommandListener("supply:unload", r.handleUnloadCommand)
	go r.listCommandListener("supply:follower", r.handleFollowerCommand)
	go r.listCommandListener("supply:clear-errors", r.handleClearErrorsCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context
			// cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				continue
			}

			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s command: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) handleLoadCommand(value string) error {
	if r.callbacks.LoadCallback == nil {
		return nil
	}
	if value == "" {
		return fmt.Errorf("empty load command")
	}
	ok, msg := r.callbacks.LoadCallback(value)
	if !ok {
		return fmt.Errorf("load %s: %s", value, msg)
	}
	return nil
}

func (r *RedisClient) handleUnloadCommand(value string) error {
	if r.callbacks.UnloadCallback == nil {
		return nil
	}
	if value == "" {
		return fmt.Errorf("empty unload command")
	}
	ok, msg := r.callbacks.UnloadCallback(value)
	if !ok {
		return fmt.Errorf("unload %s: %s", value, msg)
	}
	return nil
}

// handleFollowerCommand parses "sensor:on:forward" style payloads.
func (r *RedisClient) handleFollowerCommand(value string) error {
	if r.callbacks.FollowerCallback == nil {
		return nil
	}

	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid follower command: %s, expected sensor:on|off:forward|reverse", value)
	}

	var enable bool
	switch parts[1] {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		return fmt.Errorf("invalid follower enable value: %s", parts[1])
	}

	var direction types.Direction
	switch parts[2] {
	case "forward":
		direction = types.DirectionForward
	case "reverse":
		direction = types.DirectionReverse
	default:
		return fmt.Errorf("invalid follower direction: %s", parts[2])
	}

	ok, msg := r.callbacks.FollowerCallback(parts[0], enable, direction)
	if !ok {
		return fmt.Errorf("follower %s: %s", value, msg)
	}
	return nil
}

func (r *RedisClient) handleClearErrorsCommand(string) error {
	if r.callbacks.ClearErrorsCallback == nil {
		return nil
	}
	ok, msg := r.callbacks.ClearErrorsCallback()
	if !ok {
		return fmt.Errorf("clear-errors: %s", msg)
	}
	return nil
}

// publishHashSet is a helper that atomically updates hash fields and
// publishes a notification
func (r *RedisClient) publishHashSet(hash string, fields map[string]interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	for field, value := range fields {
		pipe.HSet(r.ctx, hash, field, value)
	}
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishSensorState publishes the per-sensor status surface to the supply
// hash.
func (r *RedisClient) PublishSensorState(snap types.SensorSnapshot) error {
	r.logger.Debugf("Publishing sensor state: %s=%s", snap.Sensor, snap.State)

	prefix := snap.Sensor
	since := ""
	if !snap.Since.IsZero() {
		since = snap.Since.Format(time.RFC3339)
	}
	fields := map[string]interface{}{
		prefix + ":state":      string(snap.State),
		prefix + ":group":      snap.Group,
		prefix + ":feeder":     snap.Feeder,
		prefix + ":bay":        snap.Bay,
		prefix + ":since":      since,
		prefix + ":runout":     string(snap.Runout),
		prefix + ":load-retry": snap.LoadWasRetry,
	}

	if err := r.publishHashSet("supply", fields, "supply", "sensor:"+snap.Sensor); err != nil {
		r.logger.Warnf("Failed to publish sensor state: %v", err)
		return err
	}
	return nil
}

// PublishFeederState publishes the per-feeder status surface.
func (r *RedisClient) PublishFeederState(snap types.FeederSnapshot) error {
	r.logger.Debugf("Publishing feeder state: %s action=%s", snap.Feeder, snap.LastActionCode)

	fields := map[string]interface{}{
		"feeder:" + snap.Feeder + ":action": snap.LastActionCode,
	}
	if err := r.publishHashSet("supply", fields, "supply", "feeder:"+snap.Feeder); err != nil {
		r.logger.Warnf("Failed to publish feeder state: %v", err)
		return err
	}
	return nil
}

// PublishCommandResult publishes the outcome of the last operator command.
func (r *RedisClient) PublishCommandResult(command string, ok bool, message string) error {
	result := "ok"
	if !ok {
		result = "failed"
	}

	fields := map[string]interface{}{
		"command:" + command + ":result":  result,
		"command:" + command + ":message": message,
	}
	if err := r.publishHashSet("supply", fields, "supply", "command:"+command); err != nil {
		r.logger.Warnf("Failed to publish command result: %v", err)
		return err
	}
	return nil
}

// ReportFaultPresent reports a fault as present to Redis
func (r *RedisClient) ReportFaultPresent(code int, description, info string) error {
	r.logger.Infof("Reporting fault present: code=%d, description=%s", code, description)

	pipe := r.client.Pipeline()

	// Add fault code to active faults set
	pipe.SAdd(r.ctx, "supply:fault", code)

	// Add fault event to the event stream with metadata
	eventData := map[string]interface{}{
		"group":       "supply",
		"code":        code,
		"description": description,
		"ts":          time.Now().Unix(),
	}
	if info != "" {
		eventData["info"] = info
	}
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:supply-faults",
		MaxLen: 1000,
		Values: eventData,
	})

	pipe.Publish(r.ctx, "supply", "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to report fault present: %v", err)
		return err
	}
	return nil
}

// ReportFaultAbsent reports a fault as absent (cleared) to Redis
func (r *RedisClient) ReportFaultAbsent(code int) error {
	r.logger.Infof("Reporting fault absent: code=%d", code)

	pipe := r.client.Pipeline()

	pipe.SRem(r.ctx, "supply:fault", code)

	// Negative code indicates fault cleared
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:supply-faults",
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group": "supply",
			"code":  -code,
		},
	})

	pipe.Publish(r.ctx, "supply", "fault")

	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to report fault absent: %v", err)
		return err
	}
	return nil
}

// GetExtruderPosition reads the extruder feed position published by the
// print surface on the printer hash.
func (r *RedisClient) GetExtruderPosition(extruder string) (float64, error) {
	value, err := r.client.HGet(r.ctx, "printer", "extruder:"+extruder+":position").Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("no position published for extruder %s", extruder)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get extruder position: %w", err)
	}

	pos, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed extruder position %q: %w", value, err)
	}
	return pos, nil
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
