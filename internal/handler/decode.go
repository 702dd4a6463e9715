package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-cart/internal/domain/cart"
)

// maxBodySize bounds request bodies; every payload is a handful of fields.
const maxBodySize = 16 << 10

// decodeBody reads r's JSON object body, calling field for every key.
func decodeBody(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(body) > maxBodySize {
		return badRequest("request body too large")
	}
	if len(body) == 0 {
		return badRequest("request body is required")
	}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return reqErr
		}
		return badRequest("malformed JSON body")
	}
	return nil
}

func typeError(field, want string) error {
	return badRequest(field + " must be " + want)
}

func decodeAddItem(r *http.Request) (cart.AddItemCommand, error) {
	var cmd cart.AddItemCommand
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			cmd.ProductID, err = str(d, key)
		case "product_slug":
			cmd.ProductSlug, err = str(d, key)
		case "color_id":
			cmd.ColorID, err = str(d, key)
		case "size_id":
			cmd.SizeID, err = str(d, key)
		case "quantity":
			cmd.Quantity, err = integer(d, key)
		default:
			err = d.Skip()
		}
		return err
	})
	return cmd, err
}

func decodeChangeQuantity(r *http.Request) (cart.ChangeQuantityCommand, error) {
	var (
		cmd  cart.ChangeQuantityCommand
		seen bool
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "quantity":
			seen = true
			n, err := integer(d, key)
			cmd.Quantity = n
			return err
		case "relative":
			if d.Next() != jx.Bool {
				return typeError(key, "a boolean")
			}
			v, err := d.Bool()
			cmd.Relative = v
			return err
		default:
			return d.Skip()
		}
	})
	if err == nil && !seen {
		err = badRequest("quantity is required")
	}
	return cmd, err
}

func decodeCoupon(r *http.Request) (string, error) {
	var code string
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		v, err := str(d, key)
		code = v
		return err
	})
	return code, err
}

func str(d *jx.Decoder, key string) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	default:
		return "", typeError(key, "a string")
	}
}

func integer(d *jx.Decoder, key string) (int, error) {
	if d.Next() != jx.Number {
		return 0, typeError(key, "an integer")
	}
	n, err := d.Int()
	if err != nil {
		return 0, typeError(key, "an integer")
	}
	if n > cart.MaxQuantity || n < -cart.MaxQuantity {
		return 0, badRequest(key + " is out of range")
	}
	return n, nil
}
