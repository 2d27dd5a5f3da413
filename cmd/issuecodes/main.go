package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/service"
	"github.com/makkenzo/activation-platform/internal/storage/postgres"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	productID := flag.String("product", "", "Product identifier (required)")
	productName := flag.String("name", "", "Product display name")
	price := flag.String("price", "0", "Unit price")
	currency := flag.String("currency", "", "ISO currency code, defaults to payments.defaultCurrency")
	quantity := flag.Int("n", 1, "Number of codes to issue")
	maxActivations := flag.Int("max-activations", 1, "Activations allowed per code")
	flag.Parse()

	if *productID == "" {
		log.Fatal("-product is required")
	}
	amount, err := decimal.NewFromString(*price)
	if err != nil {
		log.Fatalf("Invalid price %q: %v", *price, err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *currency == "" {
		*currency = cfg.Payments.DefaultCurrency
	}

	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	pool, err := postgres.NewPgxPool(ctx, &cfg.Database, logger)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer pool.Close()

	ledger := service.NewLedgerService(
		postgres.NewActivationRepository(pool, logger),
		postgres.NewTxManager(pool, logger),
		codegen.New(cfg.Codes.SaltKey),
		cfg.Codes,
		nil,
		logger,
	)

	codes, err := ledger.Issue(ctx, service.IssueRequest{
		ProductID:      *productID,
		ProductName:    *productName,
		Price:          amount,
		Currency:       *currency,
		Quantity:       *quantity,
		MaxActivations: *maxActivations,
	})
	if err != nil {
		log.Fatalf("Failed to issue activation codes: %v", err)
	}

	fmt.Printf("Issued %d activation code(s) for %s (SAVE THESE securely!):\n", len(codes), *productID)
	for _, c := range codes {
		fmt.Println(c.Code)
	}
}
