// Command espsim impersonates a room controller on the MQTT broker. It
// authenticates with a room, prints the compact codes the hub pushes and
// sends every line read from stdin as a compact code.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"homehub/internal/esp"
	"homehub/internal/logging"
	"homehub/internal/mqtt"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	prefix := flag.String("prefix", "home-automation", "topic prefix")
	espID := flag.String("id", "espsim", "controller id")
	roomID := flag.String("room", "", "room to authenticate with")
	password := flag.String("password", "", "room password")
	flag.Parse()
	if *roomID == "" {
		log.Fatal("-room is required")
	}

	logger, err := logging.New("info", "console")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	topics := mqtt.Topics{Prefix: *prefix}
	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID("espsim-" + *espID)
	opts.SetWill(topics.ESPStatus(*espID), "offline", 1, false)
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logger.Fatal("connect to broker timed out", zap.String("broker", *broker))
	}
	if err := token.Error(); err != nil {
		logger.Fatal("connect to broker", zap.Error(err))
	}
	defer client.Disconnect(250)

	subscribe := func(topic string, h paho.MessageHandler) {
		if token := client.Subscribe(topic, 1, h); token.Wait() && token.Error() != nil {
			logger.Fatal("subscribe", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
	subscribe(topics.ESPAuthResponse(*espID), func(_ paho.Client, msg paho.Message) {
		var res esp.AuthResult
		if err := json.Unmarshal(msg.Payload(), &res); err != nil {
			logger.Warn("malformed auth response", zap.Error(err))
			return
		}
		if !res.Success {
			logger.Error("authentication rejected", zap.String("error", res.Error))
			return
		}
		logger.Info("authenticated", zap.String("room_id", res.RoomID), zap.String("session_id", res.SessionID))
		for _, slot := range res.AvailableDevices {
			fmt.Printf("slot %d: %s (%s) = %s\n", slot.Order, slot.DeviceName, slot.DeviceID, slot.CurrentState)
		}
	})
	subscribe(topics.ESPError(*espID), func(_ paho.Client, msg paho.Message) {
		var perr esp.ProtocolError
		if err := json.Unmarshal(msg.Payload(), &perr); err != nil {
			logger.Warn("malformed error frame", zap.Error(err))
			return
		}
		logger.Warn("hub rejected code", zap.String("code", perr.Code), zap.String("message", perr.Message))
	})
	subscribe(topics.RoomCompact(*roomID), func(_ paho.Client, msg paho.Message) {
		code := string(msg.Payload())
		order, on, err := esp.Decode(code)
		if err != nil {
			logger.Warn("undecodable push", zap.String("code", code), zap.Error(err))
			return
		}
		fmt.Printf("<- slot %d %s\n", order, map[bool]string{true: "on", false: "off"}[on])
	})

	auth, _ := json.Marshal(map[string]string{"roomId": *roomID, "roomPassword": *password})
	client.Publish(topics.ESPAuth(*espID), 1, false, auth).Wait()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			client.Publish(topics.ESPStatus(*espID), 1, false, "offline").Wait()
			return
		case line, ok := <-lines:
			if !ok {
				client.Publish(topics.ESPStatus(*espID), 1, false, "offline").Wait()
				return
			}
			if line == "" {
				continue
			}
			client.Publish(topics.ESPCompact(*espID), 1, false, line).Wait()
		}
	}
}
