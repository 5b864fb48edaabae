package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
	"github.com/soypat/qup"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Run a self-test and publish the controller stats over MQTT.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, testErr := runSelftest(selftestFlags)
		report := statsReport{
			Run:   runID.String(),
			Time:  time.Now().UTC(),
			Stats: stats,
		}
		if testErr != nil {
			report.Error = testErr.Error()
		}
		payload, err := json.Marshal(report)
		if err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", publishFlags.broker, publishFlags.timeout)
		if err != nil {
			return err
		}
		defer conn.Close()
		err = publishStats(conn, publishFlags.topic, payload, publishFlags.timeout)
		if err != nil {
			return err
		}
		logger.Info("publish:done", slog.String("topic", publishFlags.topic), slog.Int("bytes", len(payload)))
		return testErr
	},
}

var publishFlags struct {
	broker  string
	topic   string
	timeout time.Duration
}

func init() {
	flags := publishCmd.Flags()
	flags.StringVar(&publishFlags.broker, "broker", envOr("QUP_MQTT_BROKER", "localhost:1883"), "MQTT broker address")
	flags.StringVar(&publishFlags.topic, "topic", envOr("QUP_MQTT_TOPIC", "qup/selftest"), "MQTT topic")
	flags.DurationVar(&publishFlags.timeout, "timeout", 5*time.Second, "broker connect and publish timeout")
	rootCmd.AddCommand(publishCmd)
}

type statsReport struct {
	Run   string    `json:"run"`
	Time  time.Time `json:"time"`
	Stats qup.Stats `json:"stats"`
	Error string    `json:"error,omitempty"`
}

type deadlineConn interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// publishStats connects an MQTT session over conn and publishes payload to
// topic with QoS 0.
func publishStats(conn deadlineConn, topic string, payload []byte, timeout time.Duration) error {
	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte("qupctl-" + runID.String()))

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("mqtt deadline: %w", err)
	}
	logger.Info("mqtt:start-connecting")
	err := client.StartConnect(conn, &varconn)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	for !client.IsConnected() {
		err = client.HandleNext()
		if err != nil {
			return fmt.Errorf("mqtt connack: %w", errors.Join(err, client.Err()))
		}
	}

	pubFlags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return err
	}
	pubVar := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: uint16(runID.Counter()),
	}
	err = client.PublishPayload(pubFlags, pubVar, payload)
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}
