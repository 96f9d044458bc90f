package feeds

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// parsers maps a source tag to its response parser. Each venue shapes its
// ticker response differently; everything reduces to one float here.
var parsers = map[string]parser{
	"binance":   parseBinance,
	"coinbase":  parseCoinbase,
	"kraken":    parseKraken,
	"bitstamp":  parseBitstamp,
	"gemini":    parseGemini,
	"coingecko": parseCoingecko,
}

func parseBinance(body []byte) (float64, error) {
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Price, 64)
}

func parseCoinbase(body []byte) (float64, error) {
	var resp struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Data.Amount, 64)
}

func parseKraken(body []byte) (float64, error) {
	var resp struct {
		Result map[string]struct {
			C []string `json:"c"` // last trade [price, volume]
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	for _, pair := range resp.Result {
		if len(pair.C) == 0 {
			break
		}
		return strconv.ParseFloat(pair.C[0], 64)
	}
	return 0, fmt.Errorf("no ticker pair in response")
}

func parseBitstamp(body []byte) (float64, error) {
	var resp struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Last, 64)
}

func parseGemini(body []byte) (float64, error) {
	var resp struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Last, 64)
}

func parseCoingecko(body []byte) (float64, error) {
	var resp struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if resp.Bitcoin.USD == 0 {
		return 0, fmt.Errorf("missing bitcoin.usd field")
	}
	return resp.Bitcoin.USD, nil
}
