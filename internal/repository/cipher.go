package repository

import (
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/util"
)

// tokenCipher encrypts credential columns on write and decrypts them
// on read so the rest of the app only ever sees plaintext tokens.
// With an empty key it is a pass-through.
type tokenCipher struct {
	hexKey string
}

func (c tokenCipher) seal(value *string) (*string, error) {
	if c.hexKey == "" || value == nil || *value == "" {
		return value, nil
	}
	enc, err := util.Encrypt(c.hexKey, *value)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func (c tokenCipher) open(value *string) (*string, error) {
	if c.hexKey == "" || value == nil || *value == "" {
		return value, nil
	}
	dec, err := util.Decrypt(c.hexKey, *value)
	if err != nil {
		return nil, err
	}
	return &dec, nil
}

func (c tokenCipher) openIntegration(in *model.Integration) error {
	if in == nil {
		return nil
	}
	var err error
	if in.BotToken, err = c.open(in.BotToken); err != nil {
		return err
	}
	if in.UserToken, err = c.open(in.UserToken); err != nil {
		return err
	}
	if in.AccessToken, err = c.open(in.AccessToken); err != nil {
		return err
	}
	if in.RefreshToken, err = c.open(in.RefreshToken); err != nil {
		return err
	}
	return nil
}
