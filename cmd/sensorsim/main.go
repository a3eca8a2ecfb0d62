// Command sensorsim publishes synthetic occupancy readings to the sensor
// broker for local development: N simulated sensors, each bound to one
// space, walking its occupant count randomly within capacity bounds.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type simulatedSensor struct {
	sensorID string
	spaceID  string
	capacity int
	occupied int
	battery  float64
}

type payload struct {
	SpaceID         string  `json:"spaceId"`
	Timestamp       string  `json:"timestamp"`
	OccupancyCount  int     `json:"occupancyCount"`
	Capacity        int     `json:"capacity"`
	Status          string  `json:"status"`
	Accuracy        float64 `json:"accuracy"`
	BatteryLevel    float64 `json:"batteryLevel"`
	FirmwareVersion string  `json:"firmwareVersion"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	sensors := flag.Int("sensors", 5, "number of simulated sensors")
	interval := flag.Duration("interval", 5*time.Second, "publish interval")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	opts := mqtt.NewClientOptions().AddBroker(*broker).SetClientID("occupancy-sensorsim")
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Error("broker_connect_failed", slog.Any("err", token.Error()))
		os.Exit(1)
	}
	defer client.Disconnect(250)

	sims := make([]*simulatedSensor, 0, *sensors)
	for i := 0; i < *sensors; i++ {
		capacity := 10 + rand.Intn(90)
		sims = append(sims, &simulatedSensor{
			sensorID: fmt.Sprintf("sensor-%02d", i+1),
			spaceID:  fmt.Sprintf("space-%02d", i+1),
			capacity: capacity,
			occupied: rand.Intn(capacity),
			battery:  60 + rand.Float64()*40,
		})
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	log.Info("simulator_started", slog.Int("sensors", *sensors), slog.String("broker", *broker))
	for {
		select {
		case <-sigs:
			log.Info("simulator_stopped")
			return
		case t := <-ticker.C:
			for _, s := range sims {
				s.step()
				body, err := json.Marshal(payload{
					SpaceID:         s.spaceID,
					Timestamp:       t.UTC().Format(time.RFC3339),
					OccupancyCount:  s.occupied,
					Capacity:        s.capacity,
					Status:          "connected",
					Accuracy:        90 + rand.Float64()*10,
					BatteryLevel:    s.battery,
					FirmwareVersion: "2.4.1",
				})
				if err != nil {
					log.Error("encode_failed", slog.Any("err", err))
					continue
				}
				topic := fmt.Sprintf("sensors/%s/data", s.sensorID)
				token := client.Publish(topic, 0, false, body)
				token.Wait()
				if token.Error() != nil {
					log.Warn("publish_failed", slog.String("sensor", s.sensorID), slog.Any("err", token.Error()))
				}
			}
		}
	}
}

// step walks occupancy by -3..+3 clamped to [0, capacity+5]; occasional
// over-capacity values exercise the downstream clamp.
func (s *simulatedSensor) step() {
	s.occupied += rand.Intn(7) - 3
	if s.occupied < 0 {
		s.occupied = 0
	}
	if s.occupied > s.capacity+5 {
		s.occupied = s.capacity + 5
	}
	s.battery -= rand.Float64() * 0.05
	if s.battery < 0 {
		s.battery = 0
	}
}
