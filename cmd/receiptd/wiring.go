package main

import (
	"context"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ReceiptChain/internal/anchor"
	xerrors "ReceiptChain/internal/errors"
	"ReceiptChain/internal/ledger"
	"ReceiptChain/internal/ledger/provider"
	"ReceiptChain/internal/observability/alerting"
	"ReceiptChain/internal/receipt"
	"ReceiptChain/internal/storage/mysql"
	"ReceiptChain/internal/storage/redis"
	"ReceiptChain/internal/task"
	"ReceiptChain/pkg/logger"
)

// dedupeTTL bounds how long a package hash stays reserved in Redis.
const dedupeTTL = 30 * 24 * time.Hour

func (a *app) openReceipts(ctx context.Context) (mysql.ReceiptRepository, error) {
	switch a.cfg.Storage.Receipts.Driver {
	case "memory":
		return mysql.NewMemoryReceiptRepository(a.cfg.Storage.Receipts.Path)
	case "mysql":
		return mysql.NewSQLReceiptRepository(ctx, mysql.Config{DSN: a.cfg.Storage.Receipts.DSN})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

// openRedis connects when storage.redis.addr is set and returns nil
// otherwise.
func (a *app) openRedis(ctx context.Context) (*goredis.Client, error) {
	rc := a.cfg.Storage.Redis
	if rc.Addr == "" {
		return nil, nil
	}
	return redis.NewClient(ctx, redis.Config{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Prefix: rc.Prefix})
}

func (a *app) signer() (receipt.Signer, error) {
	if a.cfg.Receipt.SigningKey == "" {
		return receipt.PlaceholderSigner{}, nil
	}
	key, err := receipt.LoadPrivateKey(a.cfg.Receipt.SigningKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "load signing key")
	}
	signer, err := receipt.NewRSASigner(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "signing key")
	}
	return signer, nil
}

func (a *app) generator(settlement receipt.Predicate) (*receipt.Generator, error) {
	hasher, err := a.cfg.Hasher()
	if err != nil {
		return nil, err
	}
	mode, err := a.cfg.Settlement()
	if err != nil {
		return nil, err
	}
	signer, err := a.signer()
	if err != nil {
		return nil, err
	}
	opts := []receipt.GeneratorOption{
		receipt.WithHasher(hasher),
		receipt.WithSigner(signer),
		receipt.WithValidation(receipt.NonEmptyPackage{}),
		receipt.WithSettlementMode(mode),
	}
	if settlement != nil {
		opts = append(opts, receipt.WithSettlement(settlement))
	}
	return receipt.NewGenerator(opts...), nil
}

// verifier prefers an explicit public key file and falls back to the public
// half of the configured signing key. It returns nil when neither exists.
func (a *app) verifier(publicKeyPath string) (*receipt.Verifier, error) {
	codec := a.cfg.Codec()
	if publicKeyPath != "" {
		raw, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read public key")
		}
		key, err := receipt.ParsePublicKeyPEM(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse public key")
		}
		return receipt.NewVerifier(key, codec)
	}
	if a.cfg.Receipt.SigningKey == "" {
		return nil, nil
	}
	key, err := receipt.LoadPrivateKey(a.cfg.Receipt.SigningKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "load signing key")
	}
	return receipt.NewVerifier(&key.PublicKey, codec)
}

func (a *app) openRegistry(ctx context.Context) (*provider.Registry, error) {
	defs, err := ledger.LoadDefinitions(a.cfg.Ledger.ChainConfig)
	if err != nil {
		return nil, err
	}
	return provider.NewRegistry(ctx, defs, a.cfg.AllowList(), nil)
}

func (a *app) manager(registry anchor.Registry, publicKeyPath string) (*anchor.Manager, error) {
	hasher, err := a.cfg.Hasher()
	if err != nil {
		return nil, err
	}
	verifier, err := a.verifier(publicKeyPath)
	if err != nil {
		return nil, err
	}
	return anchor.NewManager(registry,
		anchor.WithHasher(hasher),
		anchor.WithVerifier(verifier),
	)
}

// offlineRegistry backs a Manager that must never reach a ledger, such as
// verification without the ledger stage.
type offlineRegistry struct{}

func (offlineRegistry) Default() string { return "" }

func (offlineRegistry) Lookup(name string) (ledger.Adapter, ledger.ChainConfig, error) {
	return nil, ledger.ChainConfig{}, xerrors.New(xerrors.CodeConfigInvalid, "no ledgers are configured for this command")
}

func (a *app) openTaskStore(ctx context.Context) (task.Store, error) {
	switch a.cfg.Storage.Tasks.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, mysql.Config{DSN: a.cfg.Storage.Tasks.DSN})
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "unsupported task store driver "+a.cfg.Storage.Tasks.Driver)
	}
}

func (a *app) openQueue(ctx context.Context) (task.Queue, error) {
	qc := a.cfg.Queue
	switch qc.Driver {
	case "memory":
		return task.NewMemoryQueue(qc.Buffer), nil
	case "redis":
		rc := a.cfg.Storage.Redis
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Queue:    qc.RedisKey,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      qc.AMQPURL,
			Queue:    qc.AMQPQueue,
			Prefetch: qc.AMQPPrefetch,
			Durable:  true,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "unsupported queue driver "+qc.Driver)
	}
}

func (a *app) alerts() *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if url := a.cfg.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, a.cfg.AlertTimeout()))
	}
	return alerting.NewFanout(notifiers...)
}
