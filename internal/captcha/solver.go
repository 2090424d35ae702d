package captcha

import (
	"context"
)

// Solver chains decoding, preprocessing and recognition for one captcha.
type Solver struct {
	Preprocessor *Preprocessor
	Recognizer   *Recognizer
}

// Solve decodes data and returns the recognized token.
func (s *Solver) Solve(ctx context.Context, data []byte) (Token, error) {
	raw, err := DecodeRawImage(data)
	if err != nil {
		return Token{}, err
	}
	processed, err := s.Preprocessor.Preprocess(raw)
	if err != nil {
		return Token{}, err
	}
	return s.Recognizer.Recognize(ctx, processed)
}
