package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ietf-tools/postconfirm/internal/admin"
	"github.com/ietf-tools/postconfirm/internal/challenge"
	"github.com/ietf-tools/postconfirm/internal/config"
	"github.com/ietf-tools/postconfirm/internal/dmarc"
	"github.com/ietf-tools/postconfirm/internal/logging"
	"github.com/ietf-tools/postconfirm/internal/milter"
	"github.com/ietf-tools/postconfirm/internal/remailer"
	"github.com/ietf-tools/postconfirm/internal/store"
	"github.com/ietf-tools/postconfirm/internal/validator"
	"github.com/ietf-tools/postconfirm/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("postconfirmd: %v", err)
	}

	logFile, err := logging.InitLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("postconfirmd: opening log file: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	v, err := validator.NewFromFile(cfg.KeyFile)
	if err != nil {
		logging.FatalLog("postconfirmd: %v", err)
	}

	composer, err := milter.NewComposer(cfg.MailTemplate, cfg.AdminAddress)
	if err != nil {
		logging.FatalLog("postconfirmd: %v", err)
	}

	classifier, err := milter.NewClassifier(cfg.BulkRegex, cfg.AutoSubmittedRegex)
	if err != nil {
		logging.FatalLog("postconfirmd: %v", err)
	}

	db, err := store.Open(cfg.DSN())
	if err != nil {
		logging.FatalLog("postconfirmd: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.InitSchema(ctx); err != nil {
		cancel()
		logging.FatalLog("postconfirmd: %v", err)
	}
	cancel()

	rm := remailer.New(cfg.SMTPAddr(), cfg.RemailSender)
	pool := workerpool.New("delivery", 2, 1024, 60*time.Second)
	defer pool.Close()

	policy := challenge.NewPolicy(db)
	probe := dmarc.New(cfg.DMARCProbe)

	filter := milter.NewFilter(db, policy, v, rm, classifier, composer, pool, probe, cfg.ResendConfirmation)

	server, err := milter.NewServer(cfg.MilterAddr(), filter)
	if err != nil {
		logging.FatalLog("postconfirmd: %v", err)
	}

	var adminServer *admin.Server
	if cfg.AdminPort > 0 {
		adminServer = admin.New(cfg.AdminPort, db, filter)
		adminServer.Start()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logging.InfoLog("postconfirmd: received %s, shutting down", sig)
		adminServer.Stop()
		server.Close()
	}()

	server.Wait()
	logging.InfoLog("postconfirmd: shutdown complete")
}
