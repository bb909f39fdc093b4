package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"barstock/backend/internal/config"
	"barstock/backend/internal/notify"
	"barstock/backend/internal/service"
	"barstock/backend/internal/store"
	"barstock/backend/internal/store/memory"
	pgstore "barstock/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeoutMS)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	dispatcher := notify.Dispatcher(notify.NoopDispatcher{})
	if cfg.RedisAddr != "" {
		redisDispatcher := notify.NewRedisDispatcher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventChannel)
		if err := redisDispatcher.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop dispatcher", err)
		} else {
			dispatcher = redisDispatcher
			closers = append(closers, redisDispatcher.Close)
			log.Printf("dispatcher: redis channel %s", cfg.EventChannel)
		}
	} else {
		log.Println("dispatcher: noop")
	}

	if _, err := service.New(repo, dispatcher, cfg.DefaultLocationID, cfg.SupervisorPIN); err != nil {
		log.Fatalf("service init: %v", err)
	}
	log.Printf("inventory core ready (default location %s)", cfg.DefaultLocationID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.SupervisorPIN) < 6 {
		return fmt.Errorf("SUPERVISOR_PIN must be set and at least 6 digits")
	}
	return validatePINStrength(cfg.SupervisorPIN)
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
