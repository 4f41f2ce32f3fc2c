package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confidential-lottery/internal/config"
	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/handlers"
	"confidential-lottery/internal/oracle"
	"confidential-lottery/internal/services"
	"confidential-lottery/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/spf13/cobra"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

var rootCmd = &cobra.Command{
	Use:   "lottery",
	Short: "Confidential lottery engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lottery engine, its HTTP API and the reference oracle",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an oracle key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		kp := oracle.GenerateKeyPair()
		if err := oracle.SaveKeyPair(out, kp); err != nil {
			return err
		}
		fmt.Println(oracle.EncodePublicKey(kp.Public))
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Compute the entry commitment for an address and salt",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("address")
		salt, _ := cmd.Flags().GetString("salt")
		if !common.IsHexAddress(addr) {
			return xerrors.Errorf("malformed address %q", addr)
		}
		s, err := hexutil.Decode(salt)
		if err != nil || len(s) != common.HashLength {
			return xerrors.Errorf("salt must be 32 hex-encoded bytes")
		}
		fmt.Println(services.Commitment(common.HexToAddress(addr), common.BytesToHash(s)).Hex())
		return nil
	},
}

var encryptSeedCmd = &cobra.Command{
	Use:   "encrypt-seed",
	Short: "Encrypt a draw seed under the oracle public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		pubHex, _ := cmd.Flags().GetString("public")
		seed, _ := cmd.Flags().GetUint64("seed")
		pub, err := oracle.ParsePublicKey(pubHex)
		if err != nil {
			return err
		}
		buf, err := fhe.EncryptUint64(pub, seed).MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Println(hexutil.Encode(buf))
		return nil
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "lottery.toml", "configuration file")
	keygenCmd.Flags().StringP("out", "o", "oracle.toml", "key file to write")
	commitCmd.Flags().String("address", "", "entrant address")
	commitCmd.Flags().String("salt", "", "secret 32-byte salt, hex")
	encryptSeedCmd.Flags().String("public", "", "oracle public key, hex")
	encryptSeedCmd.Flags().Uint64("seed", 0, "seed value")

	rootCmd.AddCommand(serveCmd, keygenCmd, commitCmd, encryptSeedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadOracleKey(path string) (*key.Pair, error) {
	if path == "" {
		logger.Warning("No oracle_key configured, using an ephemeral key")
		return oracle.GenerateKeyPair(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		kp := oracle.GenerateKeyPair()
		if err := oracle.SaveKeyPair(path, kp); err != nil {
			return nil, err
		}
		logger.Infof("Generated oracle key %s", path)
		return kp, nil
	}
	return oracle.LoadKeyPair(path)
}

func serve(cfg *config.Config) error {
	defer logger.Init("confidential-lottery", true, false, io.Discard).Close()
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Open the ledger
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Start the reference oracle
	kp, err := loadOracleKey(cfg.OracleKey)
	if err != nil {
		return err
	}
	// Request ids must not repeat across restarts against the same ledger.
	orc := oracle.New(kp, oracle.Options{
		Delay:    cfg.OracleDelay.Duration,
		Workers:  cfg.OracleWorkers,
		MaxCount: cfg.MaxParticipants,
		FirstID:  uint64(time.Now().UnixNano()),
	})

	// 3. Initialize the Lottery Service
	lotteryService := services.NewLotteryService(st, orc, services.Options{
		OraclePublic:    orc.PublicKey(),
		RequestTTL:      cfg.RequestTTL.Duration,
		MaxParticipants: cfg.MaxParticipants,
	})
	go orc.Run(ctx, lotteryService)

	// 4. Start the background janitor to drop expired decryption requests
	if cfg.RequestTTL.Duration > 0 && cfg.SweepInterval.Duration > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SweepInterval.Duration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				n, err := lotteryService.ExpireStaleRequests()
				if err != nil {
					logger.Errorf("Sweeping decryption requests: %v", err)
					continue
				}
				if n > 0 {
					logger.Infof("Dropped %d expired decryption requests", n)
				}
			}
		}()
	}

	// 5. Set up the Gin router
	httpHandler := handlers.NewHTTPHandler(lotteryService, orc.PublicKey())
	r := gin.Default()
	httpHandler.RegisterPublicRoutes(r)
	callerRoutes := r.Group("/")
	callerRoutes.Use(httpHandler.CallerMiddleware())
	httpHandler.RegisterCallerRoutes(callerRoutes)

	// 6. Run the server
	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Infof("Server starting on %s, oracle key %s", cfg.Listen, oracle.EncodePublicKey(orc.PublicKey()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return xerrors.Errorf("running server: %v", err)
	}
	return nil
}
