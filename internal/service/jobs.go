package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arturkryukov/artstore/upload-module/internal/queue"
)

// RegisterJobs регистрирует обработчики задач загрузок в воркере.
func RegisterJobs(w *queue.Worker, ingest *IngestService, completion *CompletionService, processing *ProcessService) {
	w.Handle(queue.TypeCreateUpload, func(ctx context.Context, token *queue.Token, payload []byte) (any, error) {
		var p queue.CreatePayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		rec, err := ingest.CreateUpload(ctx, token, p)
		if err != nil {
			return nil, jobError(err)
		}
		// Целый файл с контрольной суммой завершается в той же задаче
		if p.Checksum != "" {
			if rec, err = completion.VerifyAndComplete(ctx, token, rec.ID, p.Checksum); err != nil {
				return nil, jobError(err)
			}
		}
		return rec, nil
	})

	w.Handle(queue.TypeAppendChunk, func(ctx context.Context, token *queue.Token, payload []byte) (any, error) {
		var p queue.AppendPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		rec, err := ingest.ApplyChunk(ctx, token, p)
		if err != nil {
			return nil, jobError(err)
		}
		return rec, nil
	})

	w.Handle(queue.TypeVerifyChecksum, func(ctx context.Context, token *queue.Token, payload []byte) (any, error) {
		var p queue.VerifyPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		rec, err := completion.VerifyAndComplete(ctx, token, p.UploadID, p.Checksum)
		if err != nil {
			return nil, jobError(err)
		}
		return rec, nil
	})

	w.Handle(queue.TypeProcessUpload, func(ctx context.Context, token *queue.Token, payload []byte) (any, error) {
		var p queue.ProcessPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		res, err := processing.Process(ctx, token, p.UploadID)
		if err != nil {
			return nil, jobError(err)
		}
		return res, nil
	})
}

func decodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return queue.Permanent(fmt.Errorf("некорректные параметры задачи: %w", err))
	}
	return nil
}

// jobError — ошибки клиента не повторяются, инфраструктурные повторяются очередью.
func jobError(err error) error {
	if _, ok := AsUploadError(err); ok {
		return queue.Permanent(err)
	}
	return err
}
