package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"tinygo.org/x/bluetooth"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/link"
	"github.com/gsthumb/thumbctl/src/radio"
	"github.com/gsthumb/thumbctl/src/store"
	"github.com/gsthumb/thumbctl/src/telemetry"
	"github.com/gsthumb/thumbctl/src/throttle"
)

const (
	statusInterval    = 500 * time.Millisecond
	signalInterval    = time.Second
	heartbeatInterval = 5 * time.Second
	signalBars        = 4
	signalHysteresis  = 5
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// If function returned normally (no panic), exit the goroutine
			// This covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			// If ran for resetAfter duration before panicking, reset retry state
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			// Check if we've exhausted retries
			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			// Wait before retry with exponential backoff
			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				// Double delay for next time, cap at max
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// openStore picks Redis when an address is configured, the state
// directory otherwise.
func openStore(ctx context.Context, cfg Config) (*store.Store, error) {
	if cfg.RedisAddr == "" {
		fb, err := store.NewFileBackend(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		log.Printf("Store: %s\n", cfg.StorePath)
		return store.New(fb), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("Store: redis %s\n", cfg.RedisAddr)
	return store.New(store.NewRedisBackend(client, "")), nil
}

// startMQTT launches the publishing chain and, when controls is set, the
// command topics. It returns the channel Status updates go to.
func startMQTT(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg MQTTConfig,
	role Role,
	controls *Controls,
) chan Status {
	outgoing := make(chan MQTTMessage, 100) // Larger buffer for queuing
	clientChan := make(chan mqtt.Client, 1) // Buffered to prevent blocking onConnect
	commands := make(chan CommandMessage, 10)
	statusChan := make(chan Status, 10)

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, outgoing, clientChan)
	})

	deviceID := "thumbctl_" + string(role)
	sender := NewMQTTSender(outgoing, deviceID, "Thumb "+string(role))

	remote := controls != nil
	if err := sender.CreateEntities(remote); err != nil {
		log.Printf("Failed to create Home Assistant entities: %v\n", err)
	}

	var topics []string
	if remote {
		_, levelAssistCmd := sender.LevelAssistTopics()
		topics = []string{levelAssistCmd, sender.CalibrateTopic()}
		SafeGo(ctx, cancel, "mqtt-command-worker", func(ctx context.Context) {
			mqttCommandWorker(ctx, commands, sender, controls)
		})
	}

	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg, topics, commands, clientChan)
	})
	SafeGo(ctx, cancel, "mqtt-publisher-worker", func(ctx context.Context) {
		mqttPublisherWorker(ctx, statusChan, sender)
	})
	return statusChan
}

// startStatus launches the status builder and fans it out to the console
// and MQTT.
func startStatus(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg Config,
	sources statusSources,
	controls *Controls,
) {
	statusChan := make(chan Status, 10)
	var downstream []chan<- Status

	if mcfg := cfg.MQTTConfig(); mcfg.Enabled {
		downstream = append(downstream, startMQTT(ctx, cancel, mcfg, cfg.Role, controls))
	}
	if cfg.Console {
		consoleChan := make(chan Status, 10)
		downstream = append(downstream, consoleChan)
		console := NewConsole(controls)
		SafeGo(ctx, cancel, "console-worker", func(ctx context.Context) {
			consoleWorker(ctx, cancel, console, consoleChan)
		})
	}
	if len(downstream) == 0 {
		return
	}

	SafeGo(ctx, cancel, "status-worker", func(ctx context.Context) {
		statusWorker(ctx, sources, statusInterval, statusChan)
	})
	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, statusChan, downstream)
	})
}

func runRemote(ctx context.Context, cancel context.CancelFunc, cfg Config, st *store.Store) (shutdown func()) {
	settings := NewSettings(st)

	tripKm, err := st.LoadTrip()
	if err != nil {
		log.Printf("No saved trip: %v\n", err)
	}
	odo := NewOdometer(tripKm)

	cal := throttle.NewCalibrator(st)
	profiles, err := st.LoadProfiles()
	if err != nil {
		log.Printf("Calibration not loaded, using full scale: %v\n", err)
	}
	cal.Load(profiles)

	gains, err := st.LoadGains()
	if err != nil {
		log.Printf("PID gains not loaded, using defaults: %v\n", err)
	}

	adcCfg := cfg.ADCConfig()
	var throttleSrc, brakeSrc throttle.Source
	if src, err := throttle.OpenIIO(adcCfg.ThrottlePath); err != nil {
		log.Printf("Throttle ADC: %v\n", err)
	} else {
		throttleSrc = src
		cal.Attach(throttle.ChannelThrottle, src)
	}
	if adcCfg.Dual {
		if src, err := throttle.OpenIIO(adcCfg.BrakePath); err != nil {
			log.Printf("Brake ADC: %v\n", err)
		} else {
			brakeSrc = src
			cal.Attach(throttle.ChannelBrake, src)
		}
	}

	tel := telemetry.NewStore()
	central := radio.NewCentral(bluetooth.DefaultAdapter)
	if err := central.Enable(); err != nil {
		log.Fatalf("Bluetooth: %v", err)
	}
	machine := link.NewMachine(cfg.LinkConfig(), central, tel)

	assist := NewAssistControl()
	machine.OnDisconnect(assist.LinkDown)

	var input, sent throttle.Latest
	var bars atomic.Int32

	sampler := newADCSampler(adcCfg, throttleSrc, brakeSrc, cal)
	SafeGo(ctx, cancel, "adc-worker", func(ctx context.Context) {
		adcWorker(ctx, sampler, &input)
	})

	cmd := &commander{
		cfg:      cfg.CommandConfig(),
		latest:   &input,
		erpm:     tel,
		settings: settings,
		assist:   governor.NewLevelAssist(gains),
		out:      machine,
		sent:     &sent,
	}
	SafeGo(ctx, cancel, "command-worker", func(ctx context.Context) {
		commandWorker(ctx, cmd, assist)
	})

	SafeGo(ctx, cancel, "link-worker", func(ctx context.Context) {
		linkWorker(ctx, machine, central)
	})
	if cfg.Heartbeat {
		SafeGo(ctx, cancel, "heartbeat-worker", func(ctx context.Context) {
			heartbeatWorker(ctx, machine, heartbeatInterval)
		})
	}
	quality := governor.NewSignalBars(signalBars, signalHysteresis)
	SafeGo(ctx, cancel, "signal-worker", func(ctx context.Context) {
		signalWorker(ctx, machine, quality, &bars, signalInterval)
	})

	tripDone := make(chan struct{})
	SafeGo(ctx, cancel, "trip-worker", func(ctx context.Context) {
		defer close(tripDone)
		tripWorker(ctx, DefaultTripConfig(), tel, settings, odo, st)
	})

	controls := NewControls(ctx, settings, cal, odo, st, assist, adcCfg.Dual)
	startStatus(ctx, cancel, cfg, statusSources{
		machine:  machine,
		bars:     &bars,
		input:    &input,
		sent:     &sent,
		cal:      cal,
		tel:      tel,
		settings: settings,
		odo:      odo,
	}, controls)

	return func() {
		select {
		case <-tripDone:
		case <-time.After(time.Second):
		}
		if err := st.SaveTrip(odo.Km()); err != nil {
			log.Printf("Saving trip failed: %v\n", err)
		}
	}
}

func runReceiver(ctx context.Context, cancel context.CancelFunc, cfg Config, st *store.Store) (shutdown func()) {
	rcfg := cfg.ReceiverConfig()
	settings := NewSettings(st)
	tel := telemetry.NewStore()

	var command throttle.Latest
	packets := make(chan []byte, 16)
	onData := func(p []byte) {
		select {
		case packets <- p:
		default:
			log.Println("Receiver: packet queue full, dropping write")
		}
	}
	onHeartbeat := func() { log.Println("Receiver: heartbeat") }

	peripheral := radio.NewPeripheral(bluetooth.DefaultAdapter, rcfg.DeviceName, rcfg.Heartbeat, onData, onHeartbeat)
	if err := peripheral.Start(); err != nil {
		log.Fatalf("Bluetooth: %v", err)
	}

	// command is the board's output. Driving the motor controller from it is
	// left to the process reading status or MQTT.
	rx := newReceiver(rcfg.Failsafe, &command)
	SafeGo(ctx, cancel, "receiver-worker", func(ctx context.Context) {
		receiverWorker(ctx, rx, packets)
	})
	if rcfg.BmsPort != "" {
		SafeGo(ctx, cancel, "bms-worker", func(ctx context.Context) {
			bmsWorker(ctx, rcfg.BmsPort, tel)
		})
	}
	SafeGo(ctx, cancel, "notify-worker", func(ctx context.Context) {
		notifyWorker(ctx, tel, peripheral, rcfg.NotifyInterval)
	})

	startStatus(ctx, cancel, cfg, statusSources{
		input:    &command,
		sent:     &command,
		tel:      tel,
		settings: settings,
	}, nil)

	return func() {}
}

func main() {
	log.Println("Starting thumbctl...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())

	st, err := openStore(ctx, cfg)
	if err != nil {
		cancel()
		log.Fatalf("Store: %v", err)
	}

	var shutdown func()
	switch cfg.Role {
	case RoleReceiver:
		log.Printf("Receiver advertising as %s\n", cfg.DeviceName)
		shutdown = runReceiver(ctx, cancel, cfg, st)
	default:
		log.Printf("Remote (%s) looking for %s\n", cfg.Variant, cfg.DeviceName)
		shutdown = runRemote(ctx, cancel, cfg, st)
	}

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()
	shutdown()
}
