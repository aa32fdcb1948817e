/**
 * Client library for browser-hosted real-time meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dlintw/goconf"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	meetings "github.com/strukturag/meetings-client"
)

var (
	configFlag = flag.String("config", "client.conf", "config file to use")

	metricsAddr = flag.String("metrics", "localhost:28090", "address of the metrics endpoint")

	numClients = flag.Int("clients", 1, "number of concurrent clients")

	callTarget = flag.String("call", "", "user the first client calls once connected")

	groupTarget = flag.String("group", "", "group all clients join once connected")

	statsInterval = 10 * time.Second
)

// zapPrinter adapts a zap sugared logger to the client logger interface.
type zapPrinter struct {
	log *zap.SugaredLogger
}

func (l *zapPrinter) Printf(format string, args ...any) {
	l.log.Infof(format, args...)
}

func (l *zapPrinter) Println(args ...any) {
	l.log.Infoln(args...)
}

func getStringOption(config *goconf.ConfigFile, section string, option string) string {
	value, err := config.GetString(section, option)
	if err != nil {
		return ""
	}
	return value
}

// buildAuthToken signs a short-lived token for the bootstrap request.
func buildAuthToken(secret []byte, issuer string, subject string) (string, error) {
	claims := &jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

type clientConfig struct {
	connectURL string
	turnURL    string
	authMode   string

	jwtSecret string
	jwtIssuer string
}

func readClientConfig(config *goconf.ConfigFile) (*clientConfig, error) {
	result := &clientConfig{
		connectURL: getStringOption(config, "meetings", "url"),
		turnURL:    getStringOption(config, "meetings", "turnurl"),
		authMode:   getStringOption(config, "meetings", "authmode"),
		jwtSecret:  getStringOption(config, "jwt", "secret"),
		jwtIssuer:  getStringOption(config, "jwt", "issuer"),
	}
	if result.connectURL == "" {
		return nil, fmt.Errorf("no connect url configured")
	}
	if result.authMode == "" {
		result.authMode = "user"
	}
	return result, nil
}

// startClient connects one simulated user and registers its event
// handlers. All clients answer incoming calls automatically.
func startClient(log *zap.Logger, stats *Stats, cfg *clientConfig, identifier string) (*meetings.Client, error) {
	logger := &zapPrinter{log.Sugar()}
	options := meetings.DefaultOptions()
	options.Logger = logger
	if cfg.jwtSecret != "" {
		token, err := buildAuthToken([]byte(cfg.jwtSecret), cfg.jwtIssuer, identifier)
		if err != nil {
			return nil, err
		}
		options.AuthorizationType = "Bearer"
		options.AuthorizationValue = token
	}

	client, err := meetings.NewClient(cfg.connectURL, cfg.turnURL, &meetings.ClientOptions{
		Transport: options,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	client.On(meetings.EventStateChanged, func(event meetings.Event) {
		stats.numEvents.Add(1)
		state := event.(*meetings.StateChangedEvent)
		log.Info("Connection state changed",
			zap.String("client", identifier),
			zap.Stringer("state", state.State),
		)
	})
	client.On(meetings.EventError, func(event meetings.Event) {
		stats.numEvents.Add(1)
		stats.numErrors.Add(1)
		log.Error("Server error",
			zap.String("client", identifier),
			zap.Error(event.(*meetings.ErrorEvent).Err),
		)
	})
	client.On(meetings.EventIncomingCall, func(event meetings.Event) {
		stats.numEvents.Add(1)
		call := event.(*meetings.IncomingCallEvent)
		log.Info("Incoming call",
			zap.String("client", identifier),
			zap.String("user", call.User),
			zap.String("channel", call.Channel),
		)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := client.DoAnswer(ctx, call.User); err != nil {
				log.Error("Could not answer call",
					zap.String("client", identifier),
					zap.String("user", call.User),
					zap.Error(err),
				)
				return
			}
			stats.numCalls.Add(1)
		}()
	})
	client.On(meetings.EventOutgoingCall, func(event meetings.Event) {
		stats.numEvents.Add(1)
		stats.numCalls.Add(1)
		call := event.(*meetings.OutgoingCallEvent)
		log.Info("Call accepted",
			zap.String("client", identifier),
			zap.String("user", call.User),
			zap.String("channel", call.Channel),
		)
	})
	client.On(meetings.EventAbortCall, func(event meetings.Event) {
		stats.numEvents.Add(1)
		abort := event.(*meetings.AbortCallEvent)
		log.Info("Call rejected",
			zap.String("client", identifier),
			zap.String("user", abort.User),
			zap.String("reason", abort.Reason),
		)
	})
	client.On(meetings.EventHangup, func(event meetings.Event) {
		stats.numEvents.Add(1)
		stats.numHangups.Add(1)
		hangup := event.(*meetings.HangupEvent)
		log.Info("Remote hangup",
			zap.String("client", identifier),
			zap.String("user", hangup.User),
			zap.String("channel", hangup.Channel),
		)
	})
	client.On(meetings.EventP2PStream, func(event meetings.Event) {
		stats.numEvents.Add(1)
		stream := event.(*meetings.P2PStreamEvent)
		log.Info("Peer to peer stream",
			zap.String("client", identifier),
			zap.String("user", stream.User),
			zap.String("id", stream.StreamID),
			zap.String("kind", stream.StreamKind),
			zap.Bool("removed", stream.Removed),
		)
	})
	client.On(meetings.EventMessage, func(event meetings.Event) {
		stats.numEvents.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx, identifier, cfg.authMode); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func main() {
	flag.Parse()

	log := zap.Must(zap.NewDevelopment())
	defer log.Sync() // nolint

	config, err := goconf.ReadConfigFile(*configFlag)
	if err != nil {
		log.Fatal("Could not read configuration",
			zap.Error(err),
		)
	}
	cfg, err := readClientConfig(config)
	if err != nil {
		log.Fatal("Invalid configuration",
			zap.Error(err),
		)
	}
	identifier := getStringOption(config, "meetings", "identifier")
	if identifier == "" {
		identifier = "loadtest"
	}

	meetings.RegisterStats()
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, router); err != nil {
			log.Error("Could not serve metrics",
				zap.Error(err),
			)
		}
	}()

	stats := &Stats{
		log:   log,
		start: time.Now(),
	}

	var clients []*meetings.Client
	for i := 0; i < *numClients; i++ {
		id := identifier
		if *numClients > 1 {
			id = fmt.Sprintf("%s-%d", identifier, i+1)
		}
		client, err := startClient(log, stats, cfg, id)
		if err != nil {
			log.Fatal("Could not start client",
				zap.String("client", id),
				zap.Error(err),
			)
		}
		clients = append(clients, client)
		log.Info("Connected",
			zap.String("client", id),
			zap.String("url", cfg.connectURL),
		)
	}

	if *callTarget != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			channel, err := clients[0].DoCall(ctx, *callTarget)
			if err != nil {
				log.Error("Could not place call",
					zap.String("user", *callTarget),
					zap.Error(err),
				)
				return
			}
			log.Info("Placed call",
				zap.String("user", *callTarget),
				zap.String("channel", channel),
			)
		}()
	} else if *groupTarget != "" {
		for _, client := range clients {
			go func(client *meetings.Client) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				channel, err := client.DoGroup(ctx, *groupTarget)
				if err != nil {
					log.Error("Could not join group",
						zap.String("group", *groupTarget),
						zap.Error(err),
					)
					return
				}
				log.Info("Joined group",
					zap.String("group", *groupTarget),
					zap.String("channel", channel),
				)
			}(client)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats.Log(clients[0].Latency(), clients[0].Channel())
		case <-interrupt:
			log.Info("Interrupted")
			for _, client := range clients {
				client.Close()
			}
			return
		}
	}
}
