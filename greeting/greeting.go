// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package greeting is a small demonstration application for the broker. It
// answers hello and greeting messages sent to application destinations,
// welcomes new subscribers, and publishes greetings received over HTTP.
package greeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
)

const (
	HelloDestination    = "/app/hello"       // receives {"name": "..."} messages
	HelloTopic          = "/topic/greetings" // receives hello replies
	GreetingDestination = "/app/greeting"    // receives text greetings, and welcomes subscribers
	GreetingTopic       = "/topic/greeting"  // receives greeting replies and HTTP greetings
	GreetingsPath       = "/greetings"       // the HTTP path for publishing greetings

	TimeLayout  = "01/02/2006 3:04:05 PM"
	WelcomeText = "Welcome to the STOMP broker"

	jsonContentType = "application/json"
)

// ErrInvalidHello indicates a hello message which was not a JSON object with a name.
var ErrInvalidHello = errors.New("hello message must be a json object with a name")

// Broker is the part of the broker used by the application.
type Broker interface {
	AddMessageMapping(m stomp.MessageMapping) error
	OnSubscribe(destination string, handler stomp.SubscribeHandlerFn) error
	Publish(destination string, payload []byte) error
}

// HelloMessage is the body of a message sent to the hello destination.
type HelloMessage struct {
	Name *string `json:"name"`
}

// App handles the greeting destinations.
type App struct {
	Log    *slog.Logger
	broker Broker
	now    func() time.Time
}

// New returns a new greeting application for a broker.
func New(broker Broker, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}

	return &App{
		Log:    log,
		broker: broker,
		now:    time.Now,
	}
}

// Register adds the message and subscribe mappings of the application to the broker.
func (a *App) Register() error {
	if err := a.broker.AddMessageMapping(stomp.MessageMapping{
		Destination: HelloDestination,
		SendTo:      HelloTopic,
		Handler:     a.Hello,
	}); err != nil {
		return err
	}

	if err := a.broker.AddMessageMapping(stomp.MessageMapping{
		Destination: GreetingDestination,
		SendTo:      GreetingTopic,
		Handler:     a.Greeting,
	}); err != nil {
		return err
	}

	return a.broker.OnSubscribe(GreetingDestination, a.Welcome)
}

// timestamp returns the current time in the greeting layout.
func (a *App) timestamp() string {
	return a.now().Format(TimeLayout)
}

// Hello replies to a hello message with a greeting for the html-escaped name.
func (a *App) Hello(m stomp.Message) ([]byte, error) {
	var msg HelloMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}

	if msg.Name == nil {
		return nil, ErrInvalidHello
	}

	return []byte("Hello, " + html.EscapeString(*msg.Name) + "!"), nil
}

// Greeting replies to a text greeting with the time it was received.
func (a *App) Greeting(m stomp.Message) ([]byte, error) {
	return []byte("[" + a.timestamp() + ": " + string(m.Body)), nil
}

// Welcome replies to a new subscription to the greeting destination.
func (a *App) Welcome(sub stomp.Subscription) ([]byte, error) {
	a.Log.Debug("welcoming subscriber", "session", sub.SessionID, "subscription", sub.ID)
	return []byte("[" + a.timestamp() + ": " + WelcomeText + "]"), nil
}

// Router returns the HTTP routes of the application.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(GreetingsPath, a.handleGreetings).Methods(http.MethodGet)
	return r
}

// handleGreetings publishes the greeting query parameter to the greeting topic.
func (a *App) handleGreetings(w http.ResponseWriter, r *http.Request) {
	text := "[" + a.timestamp() + "]:" + r.URL.Query().Get("greeting")

	err := a.broker.Publish(GreetingTopic, []byte(text))
	if errors.Is(err, frames.ErrBrokerUnavailable) {
		a.Log.Warn("greeting dropped", "error", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	if err != nil {
		a.Log.Error("failed to publish greeting", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeError writes an error response as a json object.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
