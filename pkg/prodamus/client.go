package prodamus

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Product is one line of a payform order.
type Product struct {
	Name     string
	Price    string
	Quantity int
	SKU      string
}

// PaymentRequest describes the payment link to build.
type PaymentRequest struct {
	OrderID         string
	CustomerExtra   string
	Products        []Product
	NotificationURL string
	SuccessURL      string
	ReturnURL       string
}

// Client builds signed payform links.
type Client struct {
	PayformURL string
	SecretKey  string
}

// NewClient creates a new payform client.
func NewClient(payformURL, secretKey string) *Client {
	return &Client{
		PayformURL: strings.TrimRight(strings.TrimSpace(payformURL), "/"),
		SecretKey:  secretKey,
	}
}

// Configured reports whether links can be signed.
func (c *Client) Configured() bool {
	return c != nil && c.SecretKey != "" && c.PayformURL != ""
}

// BuildPaymentURL returns the payform URL with the order fields and signature as query
// parameters.
func (c *Client) BuildPaymentURL(req PaymentRequest) (string, error) {
	if !c.Configured() {
		return "", ErrMissingSecret
	}

	products := make([]any, 0, len(req.Products))
	params := url.Values{}
	params.Set("order_id", req.OrderID)
	params.Set("customer_extra", req.CustomerExtra)
	for i, p := range req.Products {
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		products = append(products, map[string]any{
			"name":     p.Name,
			"price":    p.Price,
			"quantity": strconv.Itoa(qty),
			"sku":      p.SKU,
		})
		prefix := fmt.Sprintf("products[%d]", i)
		params.Set(prefix+"[name]", p.Name)
		params.Set(prefix+"[price]", p.Price)
		params.Set(prefix+"[quantity]", strconv.Itoa(qty))
		params.Set(prefix+"[sku]", p.SKU)
	}

	data := map[string]any{
		"order_id":       req.OrderID,
		"customer_extra": req.CustomerExtra,
		"products":       products,
	}
	if req.NotificationURL != "" {
		data["urlNotification"] = req.NotificationURL
		params.Set("urlNotification", req.NotificationURL)
	}
	if req.SuccessURL != "" {
		data["urlSuccess"] = req.SuccessURL
		params.Set("urlSuccess", req.SuccessURL)
	}
	if req.ReturnURL != "" {
		data["urlReturn"] = req.ReturnURL
		params.Set("urlReturn", req.ReturnURL)
	}

	sign, err := Sign(data, c.SecretKey)
	if err != nil {
		return "", err
	}
	params.Set("sign", sign)

	return c.PayformURL + "/?" + params.Encode(), nil
}
