package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/federation"
	"github.com/mammut-social/mammut/util"
	"github.com/mammut-social/mammut/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(util.GetNameAndVersion())
	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database := db.GetDB()

	if err := ensureInstanceUser(database, conf); err != nil {
		log.Fatal("Could not create instance user", "err", err)
	}

	directory := federation.NewDirectory(database, conf)
	queue := federation.NewQueue(database, conf)
	inbox := federation.NewInboxProcessor(database, directory, queue, conf)
	coordinator := federation.NewCoordinator(database, queue, directory, conf)

	if conf.Conf.WithFederation {
		coordinator.StartWorkers(conf.DeliveryWorkers())
	}

	startServing(conf, database, inbox, coordinator)
}

// ensureInstanceUser creates the service account used to sign
// outbound fetches when no other local account applies.
func ensureInstanceUser(database *db.DB, conf *util.AppConfig) error {
	if conf.Conf.InstanceUser == "" {
		return nil
	}
	err, acc := database.ReadAccByUsername(conf.Conf.InstanceUser)
	if err == nil && acc != nil {
		return nil
	}

	keypair := util.GeneratePemKeypair()
	err, _ = database.CreateAccount(conf.Conf.InstanceUser, keypair)
	return err
}

func startServing(conf *util.AppConfig, database *db.DB, inbox *federation.InboxProcessor, coordinator *federation.Coordinator) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf, database, inbox); err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	log.Info("Shutting down")
	if conf.Conf.WithFederation {
		coordinator.StopWorkers(30 * time.Second)
	}
}
