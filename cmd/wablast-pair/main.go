package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"

	"wablast/config"
	"wablast/internal/session"
)

// wablast-pair is a terminal pairing helper: it opens the shared credential
// store, brings one tenant's device online and renders pairing QR codes in
// the terminal instead of the HTTP API.

var (
	conffile = flag.String("c", "wablast.yml", "config yaml file")
	tenant   = flag.String("tenant", "", "tenant id to pair")
)

func main() {
	flag.Parse()
	if *tenant == "" {
		log.Fatal("-tenant is required")
	}

	cfg := config.LoadConfig(*conffile)
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", cfg.CredStorePath())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}

	creds := session.WrapContainer(container)
	device, err := creds.LoadOrCreate(ctx, *tenant)
	if err != nil {
		log.Fatalf("failed to load device: %v", err)
	}

	client := whatsmeow.NewClient(device, nil)
	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.QR:
			fmt.Println("QR code received - scan with WhatsApp:")
			qrterminal.GenerateHalfBlock(e.Codes[0], qrterminal.L, os.Stdout)
		case *events.PairSuccess:
			fmt.Println("paired:", e.ID)
		case *events.Connected:
			if client.Store.ID != nil {
				fmt.Println("connected. JID:", client.Store.ID)
			}
		case *events.LoggedOut:
			fmt.Println("logged out:", e.Reason)
		}
	})

	if err := client.Connect(); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	fmt.Println("disconnecting...")
	client.Disconnect()
}
