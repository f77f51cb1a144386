package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/term"

	"github.com/dmitrijs2005/secvault/internal/server"
	"github.com/dmitrijs2005/secvault/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	if cfg.PassKey == "" {
		fmt.Println("Enter pass key")
		passKey, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			log.Printf("%v", err)
			return
		}
		cfg.PassKey = string(passKey)
	}

	app, err := server.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
