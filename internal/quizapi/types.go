package quizapi

import "time"

// Question is the displayable question record. Timing fields arrive as
// seconds; non-positive or missing values fall back to defaults at the
// phase layer.
type Question struct {
	ID                  string  `json:"id"`
	Text                string  `json:"text"`
	ImageURL            string  `json:"image_url,omitempty"`
	QuestionType        string  `json:"question_type,omitempty"`
	ShowQuestionTime    float64 `json:"show_question_time"`
	AnsweringTime       float64 `json:"answering_time"`
	ShowExplanationTime float64 `json:"show_explanation_time"`
	ExplanationTitle    string  `json:"explanation_title,omitempty"`
	ExplanationText     string  `json:"explanation_text,omitempty"`
	ExplanationImageURL string  `json:"explanation_image_url,omitempty"`
}

// Answer is one choice of a question. OrderIndex drives display order;
// letters are assigned after sorting.
type Answer struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	ImageURL   string `json:"image_url,omitempty"`
	OrderIndex int    `json:"order_index"`
	IsCorrect  bool   `json:"is_correct"`
}

// CurrentQuestion is the active question plus its choices and game
// position, fetched when a question starts or on periodic refresh.
type CurrentQuestion struct {
	Question       Question  `json:"question"`
	Answers        []Answer  `json:"answers"`
	QuestionIndex  int       `json:"question_index"`
	TotalQuestions int       `json:"total_questions"`
	IsActive       bool      `json:"is_active"`
	ServerTime     time.Time `json:"server_time"`
}

// Game is room-level metadata for the waiting screen and join link.
type Game struct {
	ID             string `json:"id"`
	RoomCode       string `json:"room_code"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	TotalQuestions int    `json:"total_questions"`
}

// Player is a joined participant.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}
