package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/log2"
)

var ErrMqttOffline = errors.New("mqtt not connected")

// mqttSubscriber mirrors every broadcast record to one MQTT topic.
// It stays registered through broker outages, those are plain send failures.
type mqttSubscriber struct {
	closed int32 // atomic

	log       *log2.Log
	m         mqtt.Client
	topic     string
	id        string
	closeOnce sync.Once
}

type mqttLogger struct {
	log   *log2.Log
	level log2.Level
}

func (l mqttLogger) Println(v ...interface{}) { l.log.Log(l.level, fmt.Sprint(v...)) }
func (l mqttLogger) Printf(format string, v ...interface{}) {
	l.log.Logf(l.level, format, v...)
}

func newMqttSubscriber(log *log2.Log, c config.MqttConfig) *mqttSubscriber {
	self := &mqttSubscriber{
		log:   log,
		topic: c.TopicName(),
		id:    "mqtt:" + c.Client(),
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.Client()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if c.Username != "" {
		mopt.SetUsername(c.Username).SetPassword(c.Password)
	}
	self.m = mqtt.NewClient(mopt)
	return self
}

// Connect does not wait, client keeps retrying in background.
func (self *mqttSubscriber) Connect() {
	mqtt.ERROR = mqttLogger{self.log, log2.LError}
	mqtt.CRITICAL = mqttLogger{self.log, log2.LError}
	mqtt.WARN = mqttLogger{self.log, log2.LInfo}
	if token := self.m.Connect(); token.Error() != nil {
		self.log.Errorf("mqtt connect err=%v", token.Error())
	}
}

func (self *mqttSubscriber) ID() string   { return self.id }
func (self *mqttSubscriber) Closed() bool { return atomic.LoadInt32(&self.closed) != 0 }

func (self *mqttSubscriber) Send(b []byte) error {
	if self.Closed() {
		return ErrSubscriberClosed
	}
	if !self.m.IsConnectionOpen() {
		return ErrMqttOffline
	}
	// QoS 0, token is not awaited
	self.m.Publish(self.topic, 0, false, b)
	return nil
}

func (self *mqttSubscriber) Close() {
	self.closeOnce.Do(func() {
		atomic.StoreInt32(&self.closed, 1)
		self.m.Disconnect(250)
	})
}

func (self *mqttSubscriber) onConnectHandler(mqtt.Client) {
	self.log.Infof("mqtt connect topic=%s", self.topic)
}

func (self *mqttSubscriber) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Errorf("mqtt disconnect err=%v", err)
}
