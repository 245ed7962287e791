package actions

import (
	"fmt"
	"io/ioutil"

	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
)

// readJwtKeys sets the JWT keys given by the jwt.* flags. At least one of
// them must be given.
func readJwtKeys(c *cli.Context) error {
	privateKeyPath := c.String("jwt.privatekey")
	publicKeyPath := c.String("jwt.publickey")
	if privateKeyPath == "" && publicKeyPath == "" {
		return fmt.Errorf("no JWT key given, set --jwt.publickey or --jwt.privatekey")
	}

	if privateKeyPath != "" {
		raw, err := ioutil.ReadFile(privateKeyPath)
		if err != nil {
			return fmt.Errorf("could not read RSA JWT key: %w", err)
		}
		if err := auth.SetRawJwtPrivateKey(raw, []byte(c.String("jwt.privatekey-pass"))); err != nil {
			return err
		}
		log.Info("Set JWT signing key")
	}

	// a given public key wins over the one derived from the private key
	if publicKeyPath != "" {
		raw, err := ioutil.ReadFile(publicKeyPath)
		if err != nil {
			return fmt.Errorf("could not read RSA JWT public key: %w", err)
		}
		if err := auth.SetRawJwtPublicKey(raw); err != nil {
			return err
		}
		log.Info("Set JWT verification key")
	}
	return nil
}

// Token returns a command for creating JWTs, for local development and
// for operators that need to act as admins
func Token() cli.Command {
	return cli.Command{
		Name:  "token",
		Usage: "Creates a JWT for the given user",
		Flags: flags.Concat(flags.Auth, []cli.Flag{
			cli.IntFlag{
				Name:     "id",
				Required: true,
				Usage:    "The user ID to put in the token",
			},
			cli.StringFlag{
				Name:  "role",
				Value: string(auth.Creator),
				Usage: "The role to put in the token {creator, admin}",
			},
			cli.DurationFlag{
				Name:  "ttl",
				Value: auth.DefaultTokenTTL,
				Usage: "How long the token is valid",
			},
		}),
		Action: func(c *cli.Context) error {
			if c.String("jwt.privatekey") == "" {
				return cli.NewExitError("Creating tokens requires --jwt.privatekey", 22)
			}
			if err := readJwtKeys(c); err != nil {
				return err
			}
			role, err := auth.ParseRole(c.String("role"))
			if err != nil {
				return err
			}
			token, err := auth.CreateJwt(c.Int("id"), role, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
