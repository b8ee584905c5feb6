// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/config"
	"github.com/mochi-mqtt/stomp/greeting"
	"github.com/mochi-mqtt/stomp/hooks/lifecycle"
	"github.com/mochi-mqtt/stomp/listeners"
)

func main() {
	wsAddr := flag.String("ws", ":8080", "network address for the websocket listener")
	wsPath := flag.String("ws-path", "/gs-guide-websocket", "http path of the websocket endpoint")
	tcpAddr := flag.String("tcp", "", "network address for a raw TCP listener, disabled if empty")
	httpAddr := flag.String("http", ":8081", "network address for the greeting http endpoints")
	infoAddr := flag.String("info", ":8082", "network address for the sysinfo and metrics listener")
	healthAddr := flag.String("health", ":8083", "network address for the healthcheck listener")
	configFile := flag.String("config", "", "yaml or json config file; listener flags are ignored when set")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	var options *stomp.Options
	if *configFile != "" {
		b, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}

		options, err = config.FromBytes(b)
		if err != nil {
			log.Fatal(err)
		}
	}

	server := stomp.New(options)

	if *configFile == "" {
		_ = server.AddHook(new(lifecycle.Hook), nil)

		ws := listeners.NewWebsocket(listeners.Config{
			Type:    listeners.TypeWS,
			ID:      "ws1",
			Address: *wsAddr,
			Path:    *wsPath,
		})
		if err := server.AddListener(ws); err != nil {
			log.Fatal(err)
		}

		if *tcpAddr != "" {
			tcp := listeners.NewTCP(listeners.Config{
				Type:    listeners.TypeTCP,
				ID:      "t1",
				Address: *tcpAddr,
			})
			if err := server.AddListener(tcp); err != nil {
				log.Fatal(err)
			}
		}

		stats := listeners.NewHTTPStats(listeners.Config{
			Type:    listeners.TypeSysInfo,
			ID:      "info",
			Address: *infoAddr,
		}, server.Info)
		if err := server.AddListener(stats); err != nil {
			log.Fatal(err)
		}

		health := listeners.NewHTTPHealthCheck(listeners.Config{
			Type:    listeners.TypeHealthCheck,
			ID:      "health",
			Address: *healthAddr,
		}, server.Available)
		if err := server.AddListener(health); err != nil {
			log.Fatal(err)
		}
	}

	app := greeting.New(server, server.Log.With("app", "greeting"))
	if err := app.Register(); err != nil {
		log.Fatal(err)
	}

	if *httpAddr != "" {
		web := listeners.NewHTTPHandler(listeners.Config{
			Type:    listeners.TypeHTTP,
			ID:      "http",
			Address: *httpAddr,
		}, app.Router())
		if err := server.AddListener(web); err != nil {
			log.Fatal(err)
		}
	}

	go func() {
		err := server.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
	server.Log.Info("main.go finished")
}
