// Package minerconfig binds the cmd/miner binary's runtime
// configuration: struct-tag driven loading via ardanlabs/conf (flags
// plus SPACETIME_MINER_-prefixed environment variables, matching the
// teacher's node configuration convention) and validation via
// go-playground/validator, with its English translator registered so
// validation failures read as sentences instead of struct paths.
package minerconfig

import (
	"fmt"
	"strings"

	"github.com/ardanlabs/conf/v3"
	en "github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// EnvPrefix is the prefix ardanlabs/conf applies to every environment
// variable it recognizes, e.g. SPACETIME_MINER_GENESIS_PATH.
const EnvPrefix = "SPACETIME_MINER"

// Config is every value the miner binary needs to boot: where its
// identity and plots live, the chain it mines against, and the
// scanning/network tunables from spec §6.
type Config struct {
	conf.Version

	Miner struct {
		KeyPath         string `conf:"default:miner.key,help:path to the hex-encoded secp256k1 signing key"`
		AllowMockSigner bool   `conf:"default:false,help:dev-only; sign with a keyless placeholder signer whose signatures signature.Verify rejects"`
	}

	Genesis struct {
		Path string `conf:"default:genesis.json,help:path to the genesis configuration file" validate:"required"`
	}

	Storage struct {
		DataDir string `conf:"default:data,help:directory the node's leveldb chain state lives in" validate:"required"`
	}

	Plots struct {
		RegistryPath         string `conf:"default:plots/registry.json,help:path to the plot registry file"`
		MaxConcurrentProofs  int    `conf:"default:4,help:max plots scanned concurrently for a single challenge" validate:"min=1"`
		QualityThresholdBits int    `conf:"default:0,help:stop a scan early once a score has this many leading zero bits; 0 disables"`
		MaxLeavesPerScan     uint64 `conf:"default:0,help:hard per-plot leaf budget per scan; 0 disables"`
	}

	Network struct {
		DialAddress string `conf:"default:,help:address of a node to connect to; cmd/miner does not read it and always runs the miner standalone (no Session)"`
	}
}

// Parse loads Config from os.Args and SPACETIME_MINER_ environment
// variables, returning the usage string unchanged on conf.ErrHelpWanted
// so the caller can print it and exit cleanly.
func Parse(version conf.Version) (Config, string, error) {
	cfg := Config{Version: version}

	help, err := conf.Parse(EnvPrefix, &cfg)
	if err != nil {
		return Config{}, help, err
	}

	if err := Validate(cfg); err != nil {
		return Config{}, help, err
	}

	return cfg, help, nil
}

// Validate runs struct-tag validation over cfg, rendering any failure
// as operator-facing English sentences rather than raw struct paths.
func Validate(cfg Config) error {
	locale := en.New()
	uni := ut.New(locale, locale)
	trans, _ := uni.GetTranslator("en")

	v := validator.New()
	if err := en_translations.RegisterDefaultTranslations(v, trans); err != nil {
		return fmt.Errorf("minerconfig: registering translations: %w", err)
	}

	if err := v.Struct(cfg); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("minerconfig: %w", err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fe.Translate(trans))
		}
		return fmt.Errorf("minerconfig: %s", strings.Join(msgs, "; "))
	}
	return nil
}
