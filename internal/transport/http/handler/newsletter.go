package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lola-gateway/internal/app"
	"lola-gateway/internal/transport/http/response"
)

type NewsletterHandler struct {
	newsletterService *app.NewsletterService
}

type SubscribeRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"max=128"`
}

type UnsubscribeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func NewNewsletterHandler(newsletterService *app.NewsletterService) *NewsletterHandler {
	return &NewsletterHandler{newsletterService: newsletterService}
}

func (h *NewsletterHandler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	err := h.newsletterService.Subscribe(c.Request.Context(), app.SubscribeInput{
		Email: req.Email,
		Name:  req.Name,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrAlreadySubscribed):
			response.Error(c, http.StatusBadRequest, response.CodeAlreadySubscribed, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "subscribe failed")
		}
		return
	}

	response.OK(c, gin.H{"message": "Successfully subscribed!"})
}

func (h *NewsletterHandler) Unsubscribe(c *gin.Context) {
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	if err := h.newsletterService.Unsubscribe(c.Request.Context(), req.Email); err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrSubscriberNotFound):
			response.Error(c, http.StatusNotFound, response.CodeSubscriberNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "unsubscribe failed")
		}
		return
	}

	response.OK(c, gin.H{"message": "Successfully unsubscribed"})
}
