package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/deemkeen/anancus/app"
	"github.com/deemkeen/anancus/util"
)

func main() {
	versionFlag := flag.Bool("v", false, "Print version information")
	addUserFlag := flag.String("adduser", "", "Provision a local account and print its outbox token")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", util.Name, util.GetVersion())
		os.Exit(0)
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	util.SetupLogging(conf.Conf.WithJournald)

	if username := *addUserFlag; username != "" {
		token, err := app.AddUser(context.Background(), conf, username)
		if err != nil {
			log.Fatalf("Failed to provision %s: %v", username, err)
		}
		fmt.Printf("Created %s@%s\n", username, conf.Conf.SslDomain)
		fmt.Printf("Outbox token (shown once): %s\n", token)
		return
	}

	log.Printf("%s v%s", util.Name, util.GetVersion())
	log.Println("Configuration: ")
	log.Println(util.PrettyPrint(conf))

	if conf.Conf.WithPprof {
		go func() {
			log.Println("pprof server listening on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	application := app.New(conf)
	if err := application.Initialize(); err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
