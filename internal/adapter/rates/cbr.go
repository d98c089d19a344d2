package rates

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

// CBRSource reads the central bank's daily XML. All rates are quoted in
// roubles, so only conversions into RUB are supported.
type CBRSource struct {
	http *resty.Client
	url  string
}

func NewCBRSource(url string, timeout time.Duration) *CBRSource {
	return &CBRSource{http: resty.New().SetTimeout(timeout), url: url}
}

type valCurs struct {
	XMLName xml.Name `xml:"ValCurs"`
	Date    string   `xml:"Date,attr"`
	Valutes []valute `xml:"Valute"`
}

type valute struct {
	CharCode string `xml:"CharCode"`
	Nominal  string `xml:"Nominal"`
	Value    string `xml:"Value"`
}

func (s *CBRSource) GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if to != "RUB" {
		return decimal.Zero, fmt.Errorf("cbr: unsupported target currency %s", to)
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	res, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("date_req", date.Format("02/01/2006")).
		Get(s.url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cbr: fetch: %w", err)
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return decimal.Zero, fmt.Errorf("cbr: http %d", res.StatusCode())
	}
	return ParseDaily(res.Body(), from)
}

// ParseDaily extracts the rouble rate of code from a windows-1251 encoded
// daily quote, dividing out the nominal.
func ParseDaily(body []byte, code string) (decimal.Decimal, error) {
	var doc valCurs
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "windows-1251", "cp1251":
			return charmap.Windows1251.NewDecoder().Reader(input), nil
		case "utf-8", "":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("cbr: decode: %w", err)
	}

	for _, v := range doc.Valutes {
		if !strings.EqualFold(strings.TrimSpace(v.CharCode), code) {
			continue
		}
		value, err := decimal.NewFromString(strings.Replace(strings.TrimSpace(v.Value), ",", ".", 1))
		if err != nil {
			return decimal.Zero, fmt.Errorf("cbr: %s value %q: %w", code, v.Value, err)
		}
		nominal, err := decimal.NewFromString(strings.TrimSpace(v.Nominal))
		if err != nil || !nominal.IsPositive() {
			return decimal.Zero, fmt.Errorf("cbr: %s nominal %q", code, v.Nominal)
		}
		return value.Div(nominal), nil
	}
	return decimal.Zero, fmt.Errorf("cbr: %s not quoted on %s", code, doc.Date)
}

var _ usecase.RateSource = (*CBRSource)(nil)
