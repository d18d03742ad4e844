package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RateService 计价资产到目标资产的换算
type RateService struct {
	instruments *Instruments
	quotes      *QuoteCache
}

// NewRateService 创建汇率服务
func NewRateService(instruments *Instruments, quotes *QuoteCache) *RateService {
	return &RateService{instruments: instruments, quotes: quotes}
}

// GetQuoteRateForQuoteAsset 品种计价资产换算为 targetAsset 的汇率，同币种为 1
func (s *RateService) GetQuoteRateForQuoteAsset(targetAsset, assetPairID string) (decimal.Decimal, error) {
	pair, err := s.instruments.AssetPair(assetPairID)
	if err != nil {
		return decimal.Zero, err
	}
	if targetAsset == "" || pair.QuoteAssetID == targetAsset {
		return decimal.NewFromInt(1), nil
	}
	if direct, ok := s.instruments.FindPair(pair.QuoteAssetID, targetAsset); ok {
		q, err := s.quotes.Get(direct.ID)
		if err != nil {
			return decimal.Zero, err
		}
		return q.Bid, nil
	}
	if inverse, ok := s.instruments.FindPair(targetAsset, pair.QuoteAssetID); ok {
		q, err := s.quotes.Get(inverse.ID)
		if err != nil {
			return decimal.Zero, err
		}
		if !q.Ask.IsPositive() {
			return decimal.Zero, fmt.Errorf("zero ask for %s", inverse.ID)
		}
		return decimal.NewFromInt(1).Div(q.Ask), nil
	}
	return decimal.Zero, fmt.Errorf("%w: no conversion %s -> %s", ErrAssetPairNotFound, pair.QuoteAssetID, targetAsset)
}
