package main

import (
	"context"
	"fmt"
	"os"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/vault"
)

// tokenCreate mints a named API token against the controller's database and
// prints it once. Only the prefix and an HMAC land in the store, so there is
// no way to recover the token later.
func tokenCreate(cfg *config.Config, name string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := vault.New(cfg.Vault.Key, cfg.Vault.TokenKey)
	if err != nil {
		return err
	}

	token, prefix, hash, err := v.NewToken()
	if err != nil {
		return err
	}
	if err := st.CreateToken(context.Background(), &model.APIToken{
		Name:   name,
		Prefix: prefix,
		Hash:   hash,
	}); err != nil {
		return err
	}

	// The token itself goes to stdout so it can be piped; the notice must
	// not end up in the same capture.
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "Token %q created. This is the only time it is shown; store it now.\n", name)
	return nil
}
